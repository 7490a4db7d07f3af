package drill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/runtime"
	"github.com/cuemby/switchyard/pkg/types"
)

const (
	// RoleDrill labels containers created by restore drills
	RoleDrill = "restore-drill"

	restoreDir = "/restore"
	superuser  = "postgres"
)

// ErrMissingTable is returned when a sanity table does not exist after restore
var ErrMissingTable = errors.New("sanity table missing")

// Backup formats, detected from the first bytes of the file
type format int

const (
	formatPlain format = iota
	formatGzip
	formatCustom
)

// PostgresOptions configures drill databases
type PostgresOptions struct {
	Image        string
	Database     string
	ReadyRetries int
	ReadyDelay   time.Duration
	// WorkDir holds the per-instance directories the backup is staged in
	WorkDir string
}

// PostgresProvisioner runs throwaway PostgreSQL containers through the
// container runtime. Each listens on a free loopback port so that it never
// collides with a production database on the same host.
type PostgresProvisioner struct {
	rt     runtime.Runtime
	opts   PostgresOptions
	prober *health.Prober
	logger zerolog.Logger
}

// NewPostgresProvisioner creates a provisioner backed by rt
func NewPostgresProvisioner(rt runtime.Runtime, opts PostgresOptions) *PostgresProvisioner {
	if opts.Database == "" {
		opts.Database = "drill"
	}
	if opts.ReadyRetries < 1 {
		opts.ReadyRetries = 30
	}
	if opts.ReadyDelay <= 0 {
		opts.ReadyDelay = 2 * time.Second
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &PostgresProvisioner{
		rt:     rt,
		opts:   opts,
		prober: health.NewProber(),
		logger: log.WithComponent("drill"),
	}
}

// Provision starts a PostgreSQL container and waits until it accepts TCP
// connections. A per-instance directory is mounted read-only at /restore;
// Restore stages the backup there.
func (p *PostgresProvisioner) Provision(ctx context.Context, name string) (Instance, error) {
	port, err := freePort()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.opts.WorkDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create mount directory: %w", err)
	}
	mountDir, err := os.MkdirTemp(p.opts.WorkDir, name+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create mount directory: %w", err)
	}

	inst := &postgresInstance{
		name:     name,
		rt:       p.rt,
		database: p.opts.Database,
		password: uuid.New().String(),
		port:     port,
		mountDir: mountDir,
		logger:   p.logger.With().Str("instance", name).Logger(),
	}

	if err := p.rt.PullImage(ctx, p.opts.Image); err != nil {
		os.RemoveAll(mountDir)
		return nil, err
	}

	spec := runtime.ContainerSpec{
		Name:  name,
		Image: p.opts.Image,
		Env: []string{
			"POSTGRES_DB=" + inst.database,
			"POSTGRES_PASSWORD=" + inst.password,
			"PGPORT=" + strconv.Itoa(port),
		},
		Labels: map[string]string{
			runtime.LabelRole: RoleDrill,
		},
		Ports:  []runtime.PortBinding{{HostPort: port, ContainerPort: port}},
		Mounts: []runtime.Mount{{Source: mountDir, Destination: restoreDir, ReadOnly: true}},
	}
	if err := p.rt.Run(ctx, spec); err != nil {
		inst.Destroy(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to start drill database: %w", err)
	}

	// The image's init script runs a socket-only server first, so only a
	// TCP connection proves the final server is up.
	cfg := health.Config{
		Retries:  p.opts.ReadyRetries,
		Interval: p.opts.ReadyDelay,
		Timeout:  5 * time.Second,
	}
	if res := p.prober.Probe(ctx, name, &readyChecker{dsn: inst.dsn()}, cfg); !res.Healthy() {
		inst.Destroy(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("drill database %s did not become ready after %d attempts", name, len(res.Attempts))
	}

	inst.logger.Info().Int("port", port).Msg("Drill database ready")
	return inst, nil
}

// Sweep removes drill containers and staged backups left behind by killed
// drills. The caller must make sure no other drill is running.
func (p *PostgresProvisioner) Sweep(ctx context.Context) error {
	var errs []error
	leftovers, err := p.rt.List(ctx, map[string]string{runtime.LabelRole: RoleDrill})
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range leftovers {
		p.logger.Warn().Str("container", c.Name).Msg("Removing leftover drill database")
		if err := p.rt.Remove(ctx, c.Name); err != nil {
			errs = append(errs, err)
		}
	}

	mounts, err := filepath.Glob(filepath.Join(p.opts.WorkDir, RoleDrill+"-*"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, dir := range mounts {
		p.logger.Warn().Str("dir", dir).Msg("Removing leftover staged backup")
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type postgresInstance struct {
	name     string
	rt       runtime.Runtime
	database string
	password string
	port     int
	mountDir string
	logger   zerolog.Logger
}

func (i *postgresInstance) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable", superuser, i.password, i.port, i.database)
}

// Restore loads the backup at path. The file is hard linked (or copied) into
// the mounted directory and restored by client tools inside the container.
func (i *postgresInstance) Restore(ctx context.Context, path string) error {
	f, err := detectFormat(path)
	if err != nil {
		return err
	}

	staged := filepath.Join(i.mountDir, filepath.Base(path))
	if err := stage(path, staged); err != nil {
		return err
	}
	defer os.Remove(staged)

	cmd := restoreCommand(f, restoreDir+"/"+filepath.Base(path), i.database)
	i.logger.Info().Strs("command", cmd).Msg("Restoring backup")

	res, err := i.rt.Exec(ctx, i.name, cmd)
	if err != nil {
		return fmt.Errorf("failed to run restore: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("restore exited with code %d: %s", res.ExitCode, tail(res.Stderr, 512))
	}
	if res.Stderr != "" {
		i.logger.Debug().Str("stderr", res.Stderr).Msg("Restore output")
	}
	return nil
}

// Inspect counts user tables and the rows of each sanity table
func (i *postgresInstance) Inspect(ctx context.Context, tables []string) (int, []types.TableCount, error) {
	conn, err := pgx.Connect(ctx, i.dsn())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to connect to drill database: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var count int
	err = conn.QueryRow(ctx, `SELECT count(*) FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		AND table_schema NOT IN ('pg_catalog', 'information_schema')`).Scan(&count)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count tables: %w", err)
	}

	rows := make([]types.TableCount, 0, len(tables))
	for _, table := range tables {
		ident := pgx.Identifier(strings.Split(table, "."))
		var exists bool
		if err := conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", ident.Sanitize()).Scan(&exists); err != nil {
			return count, rows, fmt.Errorf("failed to look up %s: %w", table, err)
		}
		if !exists {
			return count, rows, fmt.Errorf("%w: %s", ErrMissingTable, table)
		}
		var n int64
		if err := conn.QueryRow(ctx, "SELECT count(*) FROM "+ident.Sanitize()).Scan(&n); err != nil {
			return count, rows, fmt.Errorf("failed to count rows of %s: %w", table, err)
		}
		rows = append(rows, types.TableCount{Table: table, Rows: n})
	}
	return count, rows, nil
}

// Destroy removes the container and the mount directory
func (i *postgresInstance) Destroy(ctx context.Context) error {
	err := i.rt.Remove(ctx, i.name)
	return errors.Join(err, os.RemoveAll(i.mountDir))
}

// readyChecker reports healthy once a pgx connection can be pinged
type readyChecker struct {
	dsn string
}

func (c *readyChecker) Check(ctx context.Context) health.Result {
	start := time.Now()
	result := health.Result{CheckedAt: start}

	conn, err := pgx.Connect(ctx, c.dsn)
	if err == nil {
		err = conn.Ping(ctx)
		conn.Close(context.WithoutCancel(ctx))
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Healthy = true
	result.Message = "accepting connections"
	return result
}

func (c *readyChecker) Type() health.CheckType {
	return health.CheckType("postgres")
}

func detectFormat(path string) (format, error) {
	f, err := os.Open(path)
	if err != nil {
		return formatPlain, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	head := make([]byte, 5)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return formatPlain, errors.New("backup file is empty")
		}
		return formatPlain, fmt.Errorf("failed to read backup: %w", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("PGDMP")):
		return formatCustom, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return formatGzip, nil
	default:
		return formatPlain, nil
	}
}

func restoreCommand(f format, path, database string) []string {
	switch f {
	case formatCustom:
		return []string{"pg_restore", "--no-owner", "--no-privileges", "--exit-on-error",
			"-U", superuser, "-d", database, path}
	case formatGzip:
		script := fmt.Sprintf("set -o pipefail; gunzip -c %s | psql -v ON_ERROR_STOP=1 -q -U %s -d %s",
			path, superuser, database)
		return []string{"sh", "-c", script}
	default:
		return []string{"psql", "-v", "ON_ERROR_STOP=1", "-q", "-U", superuser, "-d", database, "-f", path}
	}
}

// stage places src at dst, linking when both are on one filesystem
func stage(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return os.Chmod(dst, 0644)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to stage backup: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to stage backup: %w", err)
	}
	return out.Close()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
