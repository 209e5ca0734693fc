package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand runs a migrate subcommand against the database at
// dbPath, writing human-readable output to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return errors.New("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	// The schema is left alone until the action runs.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	migrationsFS := MigrationsFS()

	switch action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
	case "status":
		st, err := database.GetMigrationStatus(migrationsFS)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Current version: %d\n", st.CurrentVersion)
		fmt.Fprintf(out, "Latest version: %d\n", st.LatestVersion)
		fmt.Fprintf(out, "Dirty: %v\n", st.Dirty)
		fmt.Fprintf(out, "Schema migrations table exists: %v\n", st.TableExists)
		if st.Dirty {
			fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the database and use 'migrate force'")
		}
		return nil
	case "version":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrationsFS, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", v)
	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrationsFS, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Forced version %d\n", v)
	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: migrate %s <version>", args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[1])
	}
	return v, nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: calibrate migrate <action> [args]

Actions:
  up             Apply all pending migrations
  down           Roll back one migration
  status         Show current and latest schema versions
  version <N>    Migrate up or down to version N
  force <N>      Set the recorded version without running migrations
  help           Show this help
`)
}
