// Package allocator picks host ports for new instances.
package allocator

import (
	"context"

	"github.com/dbstudio/engine/internal/models"
	appErr "github.com/dbstudio/engine/pkg/errors"
)

const (
	MinPort = 5433
	MaxPort = 65535
)

var defaultPorts = map[models.Kind]int{
	models.KindPostgres: 5433,
	models.KindMySQL:    3306,
	models.KindMariaDB:  3306,
	models.KindMongoDB:  27017,
	models.KindRedis:    6379,
}

// PortChecker reports whether a port is held by a live instance.
type PortChecker interface {
	IsPortHeld(ctx context.Context, port int) (bool, error)
}

// DefaultPort is the first port tried for a kind on an empty store.
func DefaultPort(kind models.Kind) int {
	if p, ok := defaultPorts[kind]; ok {
		return p
	}
	return MinPort
}

// NextPort returns the port to offer a new instance of kind, given the
// highest port recorded so far (nil when nothing was ever allocated).
// Ports are never recycled below the recorded maximum, so once MaxPort is
// taken allocation fails with the range error.
func NextPort(kind models.Kind, maxAllocated *int) (int, error) {
	def := DefaultPort(kind)
	if maxAllocated == nil || *maxAllocated < def {
		return def, nil
	}
	if *maxAllocated >= MaxPort {
		return 0, outOfRange()
	}
	return *maxAllocated + 1, nil
}

// CheckAvailable validates a caller-supplied port: it must lie in
// [MinPort, MaxPort] and not be held by another instance.
func CheckAvailable(ctx context.Context, checker PortChecker, port int) error {
	if port < MinPort || port > MaxPort {
		return outOfRange()
	}
	return CheckHeld(ctx, checker, port)
}

// CheckHeld rejects a port held by another instance. Allocated ports skip the
// range check since the MySQL and MariaDB defaults sit below MinPort. The
// check is advisory; the store's uniqueness constraint is authoritative.
func CheckHeld(ctx context.Context, checker PortChecker, port int) error {
	held, err := checker.IsPortHeld(ctx, port)
	if err != nil {
		return err
	}
	if held {
		return PortInUse(port)
	}
	return nil
}

// PortInUse is the validation error reported for a taken port.
func PortInUse(port int) error {
	return appErr.Newf(appErr.CodeInvalid, "port %d is already in use", port).WithMeta("field", "port")
}

func outOfRange() error {
	return appErr.Newf(appErr.CodeInvalid, "port must be between %d and %d", MinPort, MaxPort).WithMeta("field", "port")
}
