//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arwahdevops/schemasync/internal/db"
	"github.com/arwahdevops/schemasync/internal/logger"
)

const (
	postgresImage = "postgres:13-alpine"
	mysqlImage    = "mysql:8.0"
)

// TestDBInstance holds a running container and a Connector pointed at it.
type TestDBInstance struct {
	Container testcontainers.Container
	Connector *db.Connector
	DSN       string
	Dialect   string
	Host      string
	Port      nat.Port
	Username  string
	Password  string
	DBName    string
}

func skipIfDisabled(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION_TESTS") != "" || testing.Short() {
		t.Skip("Skipping integration test.")
	}
}

func startPostgresContainer(ctx context.Context, t *testing.T) *TestDBInstance {
	t.Helper()
	dbName := "testpgdb"
	dbUser := "testpguser"
	dbPassword := "testpgpass"

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     dbUser,
			"POSTGRES_PASSWORD": dbPassword,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, host, mappedPort := startContainer(ctx, t, req, "5432/tcp")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=10",
		host, mappedPort.Port(), dbUser, dbPassword, dbName)
	conn := connectWithRetry(ctx, t, container, "postgres", dsn)

	t.Logf("PostgreSQL container started. Host: %s, Port: %s", host, mappedPort.Port())
	return &TestDBInstance{
		Container: container,
		Connector: conn,
		DSN:       dsn,
		Dialect:   "postgres",
		Host:      host,
		Port:      mappedPort,
		Username:  dbUser,
		Password:  dbPassword,
		DBName:    dbName,
	}
}

func startMySQLContainer(ctx context.Context, t *testing.T) *TestDBInstance {
	t.Helper()
	dbName := "testmysqldb"
	dbUser := "testmysqluser"
	dbPassword := "testmysqlpass"

	req := testcontainers.ContainerRequest{
		Image:        mysqlImage,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_DATABASE":      dbName,
			"MYSQL_USER":          dbUser,
			"MYSQL_PASSWORD":      dbPassword,
			"MYSQL_ROOT_PASSWORD": "MYSQL_R00T_P@SSW0RD",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").
			WithStartupTimeout(120 * time.Second),
	}
	container, host, mappedPort := startContainer(ctx, t, req, "3306/tcp")

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=20s",
		dbUser, dbPassword, host, mappedPort.Port(), dbName)
	conn := connectWithRetry(ctx, t, container, "mysql", dsn)

	t.Logf("MySQL container started. Host: %s, Port: %s", host, mappedPort.Port())
	return &TestDBInstance{
		Container: container,
		Connector: conn,
		DSN:       dsn,
		Dialect:   "mysql",
		Host:      host,
		Port:      mappedPort,
		Username:  dbUser,
		Password:  dbPassword,
		DBName:    dbName,
	}
}

func startContainer(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest, port nat.Port) (testcontainers.Container, string, nat.Port) {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start %s container: %s", req.Image, err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get %s container host: %s", req.Image, err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get mapped port for %s: %s", req.Image, err)
	}
	return container, host, mappedPort
}

// connectWithRetry covers the window where the port is open but the server still refuses logins.
func connectWithRetry(ctx context.Context, t *testing.T, container testcontainers.Container, dialect, dsn string) *db.Connector {
	t.Helper()
	var lastErr error
	for i := 0; i < 10; i++ {
		conn, err := db.New(dialect, dsn, db.Options{}, logger.NewGormLogger(logger.Log, false))
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Ping(pingCtx)
			cancel()
			if err == nil {
				return conn
			}
			_ = conn.Close()
		}
		lastErr = err
		t.Logf("%s connection attempt %d failed: %v. Retrying in 2s...", dialect, i+1, err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			_ = container.Terminate(ctx)
			t.Fatalf("Context cancelled while retrying %s connection: %v", dialect, ctx.Err())
		}
	}
	_ = container.Terminate(ctx)
	t.Fatalf("Failed to connect to test %s instance after retries: %s", dialect, lastErr)
	return nil
}

func stopContainer(ctx context.Context, t *testing.T, instance *TestDBInstance) {
	t.Helper()
	if instance == nil {
		return
	}
	if instance.Connector != nil {
		if err := instance.Connector.Close(); err != nil {
			t.Logf("Warning: error closing connector for %s: %v", instance.Dialect, err)
		}
	}
	if instance.Container != nil {
		if err := instance.Container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container for %s: %s", instance.Dialect, err)
		} else {
			t.Logf("%s container terminated successfully.", instance.Dialect)
		}
	}
}

// splitSQLStatements splits a script on ';' outside single-quoted strings,
// dropping "--" line comments.
func splitSQLStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inSingleQuote := false

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		char := runes[i]
		if !inSingleQuote && char == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
			continue
		}
		if char == '\'' {
			inSingleQuote = !inSingleQuote
		}
		if char == ';' && !inSingleQuote {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteRune(char)
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

func executeSQLFile(t *testing.T, conn *db.Connector, filePath string) {
	t.Helper()
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		t.Fatalf("Failed to get absolute path for SQL file %s: %s", filePath, err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		t.Fatalf("Failed to read SQL file %s: %s", filePath, err)
	}

	statements := splitSQLStatements(string(content))
	for i, stmt := range statements {
		if err := conn.DB.Exec(stmt).Error; err != nil {
			t.Fatalf("Failed to execute SQL statement #%d from %s: %v\nFull Statement:\n%s\n", i+1, filePath, err, stmt)
		}
	}
	t.Logf("Successfully executed %d SQL statements from file: %s", len(statements), filePath)
}
