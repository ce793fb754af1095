package cmd

import (
	"flag"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadEnvFile parses the -env flag from args and, when given, loads that file
// into the process environment. Variables already set are not overridden.
func LoadEnvFile(fs *flag.FlagSet, args []string) error {
	envPath := fs.String("env", "", "path to load env from")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *envPath == "" {
		slog.Info("no env file specified, using os.Environ only")
		return nil
	}

	slog.Info("loading env from file", "path", *envPath)
	if err := godotenv.Load(*envPath); err != nil {
		return fmt.Errorf("error loading .env file '%s': %w", *envPath, err)
	}

	return nil
}
