package compiler

import "fmt"

type postgresCompiler struct{}

func (postgresCompiler) Image(version string) string { return "postgres:" + version }
func (postgresCompiler) DefaultVersion() string      { return "15-alpine" }
func (postgresCompiler) InternalPort() int           { return 5432 }

func (postgresCompiler) Env(name, secret string) []string {
	return []string{
		"POSTGRES_DB=" + name,
		"POSTGRES_USER=postgres",
		"POSTGRES_PASSWORD=" + secret,
	}
}

func (postgresCompiler) Command(string) []string { return nil }

func (postgresCompiler) ConnectionString(name string, port int, secret string) string {
	return fmt.Sprintf("postgresql://postgres:%s@localhost:%d/%s", secret, port, name)
}

type mysqlCompiler struct{}

func (mysqlCompiler) Image(version string) string { return "mysql:" + version }
func (mysqlCompiler) DefaultVersion() string      { return "8.0" }
func (mysqlCompiler) InternalPort() int           { return 3306 }

func (mysqlCompiler) Env(name, secret string) []string {
	return []string{
		"MYSQL_ROOT_PASSWORD=" + secret,
		"MYSQL_DATABASE=" + name,
	}
}

func (mysqlCompiler) Command(string) []string { return nil }

func (mysqlCompiler) ConnectionString(name string, port int, secret string) string {
	return fmt.Sprintf("mysql://root:%s@localhost:%d/%s", secret, port, name)
}

// MariaDB speaks the MySQL protocol, so clients use the mysql scheme.
type mariadbCompiler struct{}

func (mariadbCompiler) Image(version string) string { return "mariadb:" + version }
func (mariadbCompiler) DefaultVersion() string      { return "11.1" }
func (mariadbCompiler) InternalPort() int           { return 3306 }

func (mariadbCompiler) Env(name, secret string) []string {
	return []string{
		"MARIADB_ROOT_PASSWORD=" + secret,
		"MARIADB_DATABASE=" + name,
	}
}

func (mariadbCompiler) Command(string) []string { return nil }

func (mariadbCompiler) ConnectionString(name string, port int, secret string) string {
	return fmt.Sprintf("mysql://root:%s@localhost:%d/%s", secret, port, name)
}

type mongoCompiler struct{}

func (mongoCompiler) Image(version string) string { return "mongo:" + version }
func (mongoCompiler) DefaultVersion() string      { return "7.0" }
func (mongoCompiler) InternalPort() int           { return 27017 }

func (mongoCompiler) Env(name, secret string) []string {
	return []string{
		"MONGO_INITDB_ROOT_USERNAME=root",
		"MONGO_INITDB_ROOT_PASSWORD=" + secret,
		"MONGO_INITDB_DATABASE=" + name,
	}
}

func (mongoCompiler) Command(string) []string { return nil }

func (mongoCompiler) ConnectionString(name string, port int, secret string) string {
	return fmt.Sprintf("mongodb://root:%s@localhost:%d/%s?authSource=admin", secret, port, name)
}

// Redis has no environment-based auth; the password goes on the command line.
type redisCompiler struct{}

func (redisCompiler) Image(version string) string { return "redis:" + version }
func (redisCompiler) DefaultVersion() string      { return "7.2-alpine" }
func (redisCompiler) InternalPort() int           { return 6379 }

func (redisCompiler) Env(string, string) []string { return nil }

func (redisCompiler) Command(secret string) []string {
	return []string{"redis-server", "--requirepass", secret}
}

func (redisCompiler) ConnectionString(_ string, port int, secret string) string {
	return fmt.Sprintf("redis://:%s@localhost:%d", secret, port)
}
