package command

import (
	"github.com/icinga/icinga-go-library/config"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/redis"
	"github.com/icinga/icinga-go-library/utils"
	"github.com/icinga/icingastate/internal"
	icingastateconfig "github.com/icinga/icingastate/internal/config"
	"github.com/pkg/errors"
	"os"
)

// ExitFailure is the exit code of failed startups.
const ExitFailure = 1

// Command provides factories for creating Redis and Database connections from Config.
type Command struct {
	Flags  icingastateconfig.Flags
	Config icingastateconfig.Config
}

// New parses CLI flags and the YAML config file, applies the environment and returns the resulting Command.
// It prints the version and exits if requested.
func New() *Command {
	var flags icingastateconfig.Flags
	if err := config.ParseFlags(&flags); err != nil {
		if errors.Is(err, config.ErrInvalidArgument) {
			panic(err)
		}

		utils.PrintErrorThenExit(err, ExitFailure)
	}

	if flags.Version {
		internal.Version.Print("Icinga State")
		os.Exit(0)
	}

	var cfg icingastateconfig.Config
	if err := config.Load(&cfg, config.LoadOptions{
		Flags:      flags,
		EnvOptions: config.EnvOptions{Prefix: "ICINGASTATE_"},
	}); err != nil {
		if errors.Is(err, config.ErrInvalidArgument) {
			panic(err)
		}

		utils.PrintErrorThenExit(err, ExitFailure)
	}

	return &Command{
		Flags:  flags,
		Config: cfg,
	}
}

// Database creates and returns a new database.DB connection from config.Config.
func (c Command) Database(l *logging.Logger) (*database.DB, error) {
	return database.NewDbFromConfig(&c.Config.Database, l, database.RetryConnectorCallbacks{})
}

// Redis creates and returns a new redis.Client connection from config.Config.
func (c Command) Redis(l *logging.Logger) (*redis.Client, error) {
	return redis.NewClientFromConfig(&c.Config.Redis, l)
}
