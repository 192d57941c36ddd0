package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jeremycline/fedora-notifications/internal/schema"
	pgstore "github.com/jeremycline/fedora-notifications/internal/store/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	setupErr = initialiseDatabase(ctx)
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests will be skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) (err error) {
	// testcontainers panics instead of returning an error when no Docker
	// host can be found; turn that into the error the skip path handles.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "fedora_notifications",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("start postgres container: %w", err)
	}
	pgContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/fedora_notifications?sslmode=disable", host, port.Port())

	if err := pgstore.Migrate(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func seedSubscribers(t *testing.T, ctx context.Context) {
	t.Helper()
	statements := []string{
		`TRUNCATE users CASCADE;`,
		`INSERT INTO users (id, username) VALUES (1, 'alice'), (2, 'bob');`,
		`INSERT INTO channels (user_id, kind, address, enabled) VALUES
			(1, 'irc', 'alice', TRUE),
			(1, 'email', 'alice@example.test', TRUE),
			(2, 'email', 'bob@example.test', FALSE);`,
		`INSERT INTO rules (user_id, topic_pattern, min_severity, only_mine) VALUES
			(1, 'org.fedoraproject.prod.bodhi.#', 'info', FALSE),
			(1, '#', 'error', FALSE),
			(2, '#', 'debug', TRUE);`,
	}
	for _, stmt := range statements {
		if _, err := testPool.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestReaderSubscribers(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	ctx := context.Background()
	seedSubscribers(t, ctx)

	subscribers, err := pgstore.NewReader(testPool).Subscribers(ctx)
	if err != nil {
		t.Fatalf("Subscribers() error = %v", err)
	}
	if len(subscribers) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subscribers))
	}

	alice := subscribers[0]
	if alice.Name != "alice" {
		t.Fatalf("subscribers not in registration order: %q first", alice.Name)
	}
	if len(alice.Channels) != 2 {
		t.Fatalf("expected 2 channels for alice, got %d", len(alice.Channels))
	}
	if alice.Channels[0].Kind != schema.ChannelIRC || alice.Channels[0].Address != "alice" {
		t.Errorf("unexpected first channel %+v", alice.Channels[0])
	}
	if len(alice.Rules) != 2 {
		t.Fatalf("expected 2 rules for alice, got %d", len(alice.Rules))
	}
	if alice.Rules[0].Topic != "org.fedoraproject.prod.bodhi.#" {
		t.Errorf("unexpected first rule %+v", alice.Rules[0])
	}
	if alice.Rules[1].MinSeverity != schema.SeverityError {
		t.Errorf("unexpected min severity %v", alice.Rules[1].MinSeverity)
	}

	bob := subscribers[1]
	if len(bob.Channels) != 1 || bob.Channels[0].Enabled {
		t.Fatalf("expected one disabled channel for bob, got %+v", bob.Channels)
	}
	if len(bob.EnabledChannels()) != 0 {
		t.Error("disabled channels must not count as enabled")
	}
	if len(bob.Rules) != 1 || !bob.Rules[0].Mine {
		t.Errorf("unexpected rules for bob %+v", bob.Rules)
	}
}

func TestReaderEmptyDatabase(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	ctx := context.Background()
	if _, err := testPool.Exec(ctx, `TRUNCATE users CASCADE;`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	subscribers, err := pgstore.NewReader(testPool).Subscribers(ctx)
	if err != nil {
		t.Fatalf("Subscribers() error = %v", err)
	}
	if len(subscribers) != 0 {
		t.Fatalf("expected no subscribers, got %d", len(subscribers))
	}
}
