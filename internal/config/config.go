// Package config loads the configuration of the worker process from a YAML file and
// command line flags. Flags take precedence over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oagudo/twopc/internal/logger"
	"github.com/oagudo/twopc/internal/telemetry"
	"github.com/oagudo/twopc/sqlstore"
)

// Queue kinds.
const (
	QueueAMQP   = "amqp"
	QueueNATS   = "nats"
	QueueKafka  = "kafka"
	QueueMemory = "memory"
)

// Config is the configuration of the worker process.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Queue     QueueConfig      `yaml:"queue"`
	Worker    WorkerConfig     `yaml:"worker"`
	Log       logger.Config    `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DatabaseConfig selects the store the messages are inserted into.
type DatabaseConfig struct {
	// Dialect is one of postgres, mysql, mariadb, oracle, sqlserver or sqlite.
	Dialect string `yaml:"dialect"`
	// Driver is the database/sql driver name. Derived from Dialect when empty.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	Bootstrap    bool   `yaml:"bootstrap"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// QueueConfig selects the queue the messages are read from.
type QueueConfig struct {
	// Kind is one of amqp, nats, kafka or memory.
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// Name is the AMQP queue, the NATS subject or the Kafka topic.
	Name    string   `yaml:"name"`
	Durable string   `yaml:"durable"`
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	// Seed is published to the memory queue at startup.
	Seed []string `yaml:"seed"`
}

// WorkerConfig tunes the work loops and the coordinator.
type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	TxTimeout        time.Duration `yaml:"tx_timeout"`
	ReceiveWait      time.Duration `yaml:"receive_wait"`
	MaxMessages      int           `yaml:"max_messages"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	RollbackAttempts int           `yaml:"rollback_attempts"`
}

// Default returns the configuration used for anything not set.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Dialect: string(sqlstore.DialectPostgres),
			Table:   "messages",
		},
		Queue: QueueConfig{
			Kind: QueueMemory,
			Name: "to-queue",
		},
		Worker: WorkerConfig{
			Concurrency:      1,
			TxTimeout:        15 * time.Minute,
			ReceiveWait:      10 * time.Minute,
			ReapInterval:     time.Second,
			RollbackAttempts: 3,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "twopc-worker",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse builds the configuration from the command line arguments, without the program name.
// The file named by -config is loaded first and the flags set explicitly override it.
func Parse(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	path := fs.String("config", "", "path to a YAML config file")
	fs.String("dialect", "", "sql dialect: postgres, mysql, mariadb, oracle, sqlserver, sqlite")
	fs.String("driver", "", "database/sql driver name, derived from the dialect when empty")
	fs.String("dsn", "", "database connection string")
	fs.String("table", "", "table the messages are inserted into")
	fs.Bool("bootstrap", false, "drop and create the messages table before starting")
	fs.String("queue-kind", "", "queue kind: amqp, nats, kafka, memory")
	fs.String("queue-url", "", "queue server URL")
	fs.String("queue-name", "", "queue, subject or topic name")
	fs.Int("concurrency", 0, "number of work loops")
	fs.Duration("tx-timeout", 0, "timeout of each transaction")
	fs.Duration("receive-wait", 0, "how long to wait for a message before stopping")
	fs.Int("max-messages", 0, "stop each loop after this many messages, 0 for no limit")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("metrics-addr", "", "address serving /metrics, enables telemetry")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		var err error
		if cfg, err = Load(*path); err != nil {
			return Config{}, err
		}
	}

	var errs []error
	fs.Visit(func(f *flag.Flag) {
		errs = append(errs, cfg.override(f))
	})
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) override(f *flag.Flag) error {
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return fmt.Errorf("flag -%s has no value", f.Name)
	}
	value := getter.Get()

	switch f.Name {
	case "dialect":
		c.Database.Dialect = value.(string)
	case "driver":
		c.Database.Driver = value.(string)
	case "dsn":
		c.Database.DSN = value.(string)
	case "table":
		c.Database.Table = value.(string)
	case "bootstrap":
		c.Database.Bootstrap = value.(bool)
	case "queue-kind":
		c.Queue.Kind = value.(string)
	case "queue-url":
		c.Queue.URL = value.(string)
	case "queue-name":
		c.Queue.Name = value.(string)
	case "concurrency":
		c.Worker.Concurrency = value.(int)
	case "tx-timeout":
		c.Worker.TxTimeout = value.(time.Duration)
	case "receive-wait":
		c.Worker.ReceiveWait = value.(time.Duration)
	case "max-messages":
		c.Worker.MaxMessages = value.(int)
	case "log-level":
		c.Log.Level = value.(string)
	case "metrics-addr":
		c.Telemetry.MetricsAddr = value.(string)
		c.Telemetry.Enabled = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Queue.Kind = strings.ToLower(c.Queue.Kind)
	if c.Database.Driver == "" {
		c.Database.Driver = DriverFor(c.Database.Dialect)
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Queue.Kind == QueueNATS && c.Queue.Durable == "" {
		c.Queue.Durable = "twopc-worker"
	}
	if c.Queue.Kind == QueueKafka && c.Queue.GroupID == "" {
		c.Queue.GroupID = "twopc-worker"
	}
}

// DriverFor returns the database/sql driver registered by the worker for a dialect.
func DriverFor(dialect string) string {
	d, err := sqlstore.ParseDialect(dialect)
	if err != nil {
		return ""
	}
	switch d {
	case sqlstore.DialectMySQL, sqlstore.DialectMariaDB:
		return "mysql"
	case sqlstore.DialectSQLite:
		return "sqlite3"
	default:
		return string(d)
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if _, err := sqlstore.ParseDialect(c.Database.Dialect); err != nil {
		errs = append(errs, err)
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if c.Database.Table == "" {
		errs = append(errs, errors.New("database table is required"))
	}

	switch c.Queue.Kind {
	case QueueAMQP, QueueNATS:
		if c.Queue.URL == "" {
			errs = append(errs, fmt.Errorf("queue url is required for %s", c.Queue.Kind))
		}
	case QueueKafka:
		if len(c.Queue.Brokers) == 0 {
			errs = append(errs, errors.New("queue brokers are required for kafka"))
		}
	case QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown queue kind %q", c.Queue.Kind))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue name is required"))
	}

	if c.Worker.TxTimeout <= 0 {
		errs = append(errs, errors.New("worker tx_timeout must be positive"))
	}
	if c.Worker.ReceiveWait <= 0 {
		errs = append(errs, errors.New("worker receive_wait must be positive"))
	}
	if c.Worker.MaxMessages < 0 {
		errs = append(errs, errors.New("worker max_messages must not be negative"))
	}

	return errors.Join(errs...)
}
