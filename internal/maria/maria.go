package maria

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/pkg/execer"
)

// Adapter converges MariaDB schemas and service users via the mysql batch
// client, the same way the deployment has always talked to the database.
// Identifiers are validated before they are ever interpolated into SQL.
type Adapter struct {
	log     zerolog.Logger
	run     execer.Runner
	timeout time.Duration
}

func New(log zerolog.Logger, timeout time.Duration) *Adapter {
	return &Adapter{
		log:     log.With().Str("component", "mariadb").Logger(),
		run:     execer.RunAllowed,
		timeout: timeout,
	}
}

func (a *Adapter) Kinds() []resource.Kind {
	return []resource.Kind{resource.KindDatabase, resource.KindDBUser}
}

func (a *Adapter) Probe(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	switch d.Kind {
	case resource.KindDatabase:
		return a.probeDatabase(ctx, d.ID)
	case resource.KindDBUser:
		return a.probeUser(ctx, d)
	}
	return resource.ProbeResult{}, fmt.Errorf("mariadb: unsupported kind %q", d.Kind)
}

func (a *Adapter) Apply(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	switch d.Kind {
	case resource.KindDatabase:
		stmt, err := createDatabaseSQL(d.ID)
		if err != nil {
			return err
		}
		return a.exec(ctx, d, stmt)
	case resource.KindDBUser:
		stmts, err := createUserSQL(d, cur.Exists)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := a.exec(ctx, d, stmt); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("mariadb: unsupported kind %q", d.Kind)
}

func (a *Adapter) probeDatabase(ctx context.Context, name string) (resource.ProbeResult, error) {
	if err := validIdent(name); err != nil {
		return resource.ProbeResult{}, err
	}
	res, err := a.run(ctx, a.timeout, "mysql", "-N", "-B", "-e", "SHOW DATABASES")
	if err != nil {
		a.log.Warn().Err(err).Str("stderr", res.ErrString()).Msg("database probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	for _, line := range strings.Split(res.OutString(), "\n") {
		if strings.TrimSpace(line) == name {
			return resource.ProbeResult{Exists: true, Attrs: map[string]string{}}, nil
		}
	}
	return resource.ProbeResult{Exists: false}, nil
}

func (a *Adapter) probeUser(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	user, host, err := splitUserID(d.ID)
	if err != nil {
		return resource.ProbeResult{}, err
	}
	res, err := a.run(ctx, a.timeout, "mysql", "-N", "-B", "-e",
		"SELECT CONCAT(user, '@', host) FROM mysql.user")
	if err != nil {
		a.log.Warn().Err(err).Msg("user probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	found := false
	for _, line := range strings.Split(res.OutString(), "\n") {
		if strings.TrimSpace(line) == user+"@"+host {
			found = true
			break
		}
	}
	if !found {
		return resource.ProbeResult{Exists: false}, nil
	}

	attrs := map[string]string{}
	if db := d.Attr("grant_db"); db != "" {
		granted, err := a.hasGrant(ctx, user, host, db)
		if err != nil {
			return resource.ProbeResult{Unknown: true}, err
		}
		if granted {
			attrs["grant_db"] = db
		}
	}
	return resource.ProbeResult{Exists: true, Attrs: attrs}, nil
}

func (a *Adapter) hasGrant(ctx context.Context, user, host, db string) (bool, error) {
	res, err := a.run(ctx, a.timeout, "mysql", "-N", "-B", "-e",
		fmt.Sprintf("SHOW GRANTS FOR '%s'@'%s'", user, host))
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(res.OutString(), "\n") {
		// GRANT ALL PRIVILEGES ON `nova`.* TO ...
		if strings.Contains(line, "ON `"+db+"`.*") || strings.Contains(line, "ON "+db+".*") {
			return true, nil
		}
	}
	return false, nil
}

// createDatabaseSQL builds the schema creation statement after validating the
// identifier; plan files are data, not trusted SQL.
func createDatabaseSQL(name string) (string, error) {
	if err := validIdent(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name), nil
}

func createUserSQL(d resource.Descriptor, exists bool) ([]string, error) {
	user, host, err := splitUserID(d.ID)
	if err != nil {
		return nil, err
	}
	password := d.Attr("password")
	if password == "" && !exists {
		return nil, fmt.Errorf("db-user %s: password attr is required", d.ID)
	}
	if strings.ContainsAny(password, "'\\") {
		return nil, fmt.Errorf("db-user %s: password contains forbidden characters", d.ID)
	}

	var stmts []string
	if !exists {
		stmts = append(stmts,
			fmt.Sprintf("CREATE USER '%s'@'%s' IDENTIFIED BY '%s'", user, host, password))
	}
	if db := d.Attr("grant_db"); db != "" {
		if err := validIdent(db); err != nil {
			return nil, err
		}
		stmts = append(stmts,
			fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%s'", db, user, host),
			"FLUSH PRIVILEGES")
	}
	return stmts, nil
}

// splitUserID parses "nova@localhost"; a missing host means any host.
func splitUserID(id string) (user, host string, err error) {
	parts := strings.Split(id, "@")
	switch len(parts) {
	case 1:
		user, host = parts[0], "%"
	case 2:
		user, host = parts[0], parts[1]
	default:
		return "", "", fmt.Errorf("db-user id %q must be user or user@host", id)
	}
	if err := validIdent(user); err != nil {
		return "", "", err
	}
	if host != "%" && host != "localhost" {
		if err := validIdent(strings.ReplaceAll(host, ".", "_")); err != nil {
			return "", "", fmt.Errorf("db-user id %q: bad host", id)
		}
	}
	return user, host, nil
}

func validIdent(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("identifier %q contains forbidden character %q", s, r)
	}
	return nil
}

func (a *Adapter) exec(ctx context.Context, d resource.Descriptor, stmt string) error {
	res, err := a.run(ctx, a.timeout, "mysql", "-N", "-B", "-e", stmt)
	if err != nil {
		return &step.ActionError{
			Desc:   d,
			Cmd:    "mysql -e " + stmt,
			Code:   res.Code,
			Stderr: res.ErrString(),
			Err:    err,
		}
	}
	return nil
}
