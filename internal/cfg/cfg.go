package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv in main
const EnvPrefix = "TICKETMARKET_"

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	Environment       string

	DatabaseDSN    string
	IdentityHeader string
	VerifiedHeader string
	MaxBodyBytes   int64

	// rate limit policies
	PolicyFile          string
	EnablePolicyUpdates bool
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollInterval  time.Duration

	// rate limit store eviction
	SweepThreshold  int
	SweepEvery      int
	JanitorInterval time.Duration
	DenyLogInterval time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.Environment, "environment", "dev", "deployment environment reported on traces")

	fs.StringVar(&c.DatabaseDSN, "database-dsn", "file:ticketmarket.db?_foreign_keys=on", "sqlite file DSN, or postgres:// URL")
	fs.StringVar(&c.IdentityHeader, "identity-header", "X-User-Id", "header carrying the authenticated user id, set by the auth proxy")
	fs.StringVar(&c.VerifiedHeader, "verified-header", "X-User-Email-Verified", "header set to true by the auth proxy once the user's email is verified")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max request body size in bytes")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "yaml file overriding built-in rate limit policies")
	fs.BoolVar(&c.EnablePolicyUpdates, "enable-policy-updates", false, "Enable refreshing rate limit policies from S3/SSM")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "/app/ticketmarket/server/ratelimit/policy/sha256", "ssm parameter name to get policy document hash from")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket name to get policy documents from")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "apps/ticketmarket/server/ratelimit/policies", "s3 prefix (key) to get policy documents from")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy document signature verification")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", time.Minute, "how often to poll SSM for a new policy document")

	fs.IntVar(&c.SweepThreshold, "ratelimit-sweep-threshold", 1000, "tracked keys above which checks sweep expired counters (0 sweeps at any size)")
	fs.IntVar(&c.SweepEvery, "ratelimit-sweep-every", 100, "sweep on every Nth check once over the threshold (0 disables)")
	fs.DurationVar(&c.JanitorInterval, "ratelimit-janitor-interval", time.Minute, "background sweep interval (0 disables)")
	fs.DurationVar(&c.DenyLogInterval, "ratelimit-deny-log-interval", 5*time.Second, "minimum interval between rate limit denial log lines")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// RegistrySweep converts the sweep settings to ratelimit.RegistryOptions
// form, where zero means "use the default" and negative means none.
func (c App) RegistrySweep() (threshold, every int) {
	threshold, every = c.SweepThreshold, c.SweepEvery
	if threshold == 0 {
		threshold = -1
	}
	if every == 0 {
		every = -1
	}
	return threshold, every
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Persistence and request handling
	if c.DatabaseDSN == "" {
		errs = append(errs, fmt.Errorf("DATABASE_DSN is required"))
	}
	if c.IdentityHeader == "" || strings.ContainsAny(c.IdentityHeader, " \t:") {
		errs = append(errs, fmt.Errorf("invalid IDENTITY_HEADER %q", c.IdentityHeader))
	} else if textproto.CanonicalMIMEHeaderKey(c.IdentityHeader) == "X-Forwarded-For" {
		errs = append(errs, fmt.Errorf("IDENTITY_HEADER must not be X-Forwarded-For"))
	}
	if c.VerifiedHeader == "" || strings.ContainsAny(c.VerifiedHeader, " \t:") {
		errs = append(errs, fmt.Errorf("invalid VERIFIED_HEADER %q", c.VerifiedHeader))
	} else if strings.EqualFold(c.VerifiedHeader, c.IdentityHeader) {
		errs = append(errs, fmt.Errorf("VERIFIED_HEADER must differ from IDENTITY_HEADER"))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}

	// Rate limit store
	if c.SweepThreshold < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_THRESHOLD must be >= 0 (got %d)", c.SweepThreshold))
	}
	if c.SweepEvery < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_EVERY must be >= 0 (got %d)", c.SweepEvery))
	}
	if c.JanitorInterval < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_JANITOR_INTERVAL must be >= 0 (got %s)", c.JanitorInterval))
	}
	if c.SweepEvery == 0 && c.JanitorInterval == 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_EVERY and RATELIMIT_JANITOR_INTERVAL cannot both be 0, counters would never be evicted"))
	}
	if c.DenyLogInterval < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_DENY_LOG_INTERVAL must be >= 0 (got %s)", c.DenyLogInterval))
	}

	// Policy updates (fail closed, remote documents must be signed)
	if c.EnablePolicyUpdates {
		if c.PolicySSMParam == "" {
			errs = append(errs, fmt.Errorf("POLICY_SSM_PARAM is required"))
		}
		if c.PolicyS3Bucket == "" {
			errs = append(errs, fmt.Errorf("POLICY_S3_BUCKET is required"))
		}
		if c.PolicyS3Prefix == "" {
			errs = append(errs, fmt.Errorf("POLICY_S3_PREFIX is required"))
		}
		if c.PolicySigningKeyARN == "" {
			errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN is required when ENABLE_POLICY_UPDATES=true"))
		}
		if c.PolicyPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be at least 1s (got %s)", c.PolicyPollInterval))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
