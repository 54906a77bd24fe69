// Package config parses CLI flags/environment/config file into the static
// and live-reloadable settings the queue runner needs, following the
// teacher's cobra + pflag + viper idiom (see bb/cmd/bb/commands/root.go).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/buildbeaver/queue-runner/internal/store"
)

// Config holds every flag named by the runner's CLI contract. Thresholds is
// split out since it's the subset a SIGHUP/config-file-change hot-reloads.
type Config struct {
	GatewayEndpoint string
	PingInterval    int // seconds
	SpeedFactor     float64
	MaxJobs         int32

	ServerRootCACertPath string
	ClientCertPath       string
	ClientKeyPath        string
	DomainName           string

	Systems           []string
	SupportedFeatures []string
	MandatoryFeatures []string
	UseSubstitutes    bool
	AuthorizationFile string

	GRPCBind string
	RESTBind string

	ConfigPath string
	Status     bool

	DatabaseDriver           store.Driver
	DatabaseConnectionString string

	Thresholds Thresholds
}

// Thresholds is the live-reloadable subset of configuration: the pressure
// limits the builder-session layer compares agent pings against.
type Thresholds struct {
	BuildDirAvailThreshold float64
	StoreAvailThreshold    float64
	Load1Threshold         float64
	CPUPSIThreshold        float64
	MemPSIThreshold        float64
	IOPSIThreshold         float64
}

// Load parses args (normally os.Args[1:]) via pflag and returns the resolved
// Config. Only when --config_path is set does viper (the config file, and
// QUEUE_RUNNER_-prefixed environment variables) get consulted, and then only
// for the threshold keys; every other field comes from the flags alone.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUEUE_RUNNER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	cfg := &Config{}
	flags := pflag.NewFlagSet("queue-runner", pflag.ContinueOnError)

	flags.StringVar(&cfg.GatewayEndpoint, "gateway_endpoint", "", "database connection string")
	flags.IntVar(&cfg.PingInterval, "ping_interval", 10, "agent heartbeat interval in seconds")
	flags.Float64Var(&cfg.SpeedFactor, "speed_factor", 1.0, "default machine speed factor")
	flags.Int32Var(&cfg.MaxJobs, "max_jobs", 1, "default max concurrent jobs per machine")
	flags.Float64Var(&cfg.Thresholds.BuildDirAvailThreshold, "build_dir_avail_threshold", 0.05, "minimum fraction of build-dir free space")
	flags.Float64Var(&cfg.Thresholds.StoreAvailThreshold, "store_avail_threshold", 0.05, "minimum fraction of store free space")
	flags.Float64Var(&cfg.Thresholds.Load1Threshold, "load1_threshold", 8.0, "maximum 1-minute load average")
	flags.Float64Var(&cfg.Thresholds.CPUPSIThreshold, "cpu_psi_threshold", 0.8, "maximum CPU PSI")
	flags.Float64Var(&cfg.Thresholds.MemPSIThreshold, "mem_psi_threshold", 0.8, "maximum memory PSI")
	flags.Float64Var(&cfg.Thresholds.IOPSIThreshold, "io_psi_threshold", 0.8, "maximum IO PSI")
	flags.StringVar(&cfg.ServerRootCACertPath, "server_root_ca_cert_path", "", "path to the server's root CA certificate")
	flags.StringVar(&cfg.ClientCertPath, "client_cert_path", "", "path to this instance's client certificate")
	flags.StringVar(&cfg.ClientKeyPath, "client_key_path", "", "path to this instance's client key")
	flags.StringVar(&cfg.DomainName, "domain_name", "", "TLS domain name to validate against")
	flags.StringSliceVar(&cfg.Systems, "systems", nil, "systems this instance can build for")
	flags.StringSliceVar(&cfg.SupportedFeatures, "supported_features", nil, "features this instance supports")
	flags.StringSliceVar(&cfg.MandatoryFeatures, "mandatory_features", nil, "features every assigned step must request")
	flags.BoolVar(&cfg.UseSubstitutes, "use_substitutes", true, "allow substituting build outputs from a binary cache")
	flags.StringVar(&cfg.AuthorizationFile, "authorization_file", "", "path to the agent authorization file")
	flags.StringVar(&cfg.GRPCBind, "grpc_bind", ":34568", "bind address for the gRPC session server")
	flags.StringVar(&cfg.RESTBind, "rest_bind", ":34569", "bind address for the HTTP introspection server")
	flags.StringVar(&cfg.ConfigPath, "config_path", "", "path to a YAML config file, watched for hot reload")
	flags.BoolVar(&cfg.Status, "status", false, "check that the configuration loads, then exit")
	flags.StringVar((*string)(&cfg.DatabaseDriver), "database_driver", string(store.SQLite), "database driver: postgres or sqlite3")
	flags.StringVar(&cfg.DatabaseConnectionString, "database_connection_string", "file:queue-runner.db", "database connection string")

	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	if cfg.ConfigPath != "" {
		v.SetConfigFile(cfg.ConfigPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", cfg.ConfigPath, err)
		}
		applyViperOverrides(v, cfg)
	}

	return cfg, nil
}

// applyViperOverrides copies the live-reloadable threshold keys back out of
// viper after a config file merge, so a config file can override defaults
// without every other flag needing a matching viper.Get call.
func applyViperOverrides(v *viper.Viper, cfg *Config) {
	cfg.Thresholds.BuildDirAvailThreshold = v.GetFloat64("build_dir_avail_threshold")
	cfg.Thresholds.StoreAvailThreshold = v.GetFloat64("store_avail_threshold")
	cfg.Thresholds.Load1Threshold = v.GetFloat64("load1_threshold")
	cfg.Thresholds.CPUPSIThreshold = v.GetFloat64("cpu_psi_threshold")
	cfg.Thresholds.MemPSIThreshold = v.GetFloat64("mem_psi_threshold")
	cfg.Thresholds.IOPSIThreshold = v.GetFloat64("io_psi_threshold")
}

// rootCommand returns a bare cobra.Command carrying only the command's name
// and short description; it registers no flags and does not call Load.
func rootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-runner",
		Short: "Distributed build queue runner core",
	}
}
