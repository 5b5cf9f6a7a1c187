// Package config reads the daemon configuration tree: HCL files with
// includes, one section per subsystem.
package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/solixapi/solix/helpers"
	"github.com/solixapi/solix/log2"
)

const (
	DefaultPollIntervalSec    = 600
	DefaultDetailsIntervalSec = 3600
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Account struct {
		Email    string `hcl:"email"`
		Password string `hcl:"password"`
		Country  string `hcl:"country"`
	}

	Api struct { //nolint:maligned
		RequestDelayMs    int  `hcl:"request_delay_ms"`
		RequestTimeoutSec int  `hcl:"request_timeout_sec"`
		EndpointLimit     int  `hcl:"endpoint_limit"`
		LogSecrets        bool `hcl:"log_secrets"`
	}

	Mqtt struct { //nolint:maligned
		Enable            bool   `hcl:"enable"`
		TrustMode         string `hcl:"trust_mode"`
		IntermediatesFile string `hcl:"intermediates_file"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
	}

	Tables struct {
		Path string `hcl:"path"`
	}

	Persist struct {
		Root string `hcl:"root"`
	}

	Poll struct {
		IntervalSec        int `hcl:"interval_sec"`
		DetailsIntervalSec int `hcl:"details_interval_sec"`
	}

	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) RequestDelay() time.Duration {
	if c.Api.RequestDelayMs == 0 {
		return 0 // session applies its own default
	}
	return time.Duration(c.Api.RequestDelayMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Api.RequestTimeoutSec, 0)
}

func (c *Config) ConnectTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Mqtt.ConnectTimeoutSec, 0)
}

func (c *Config) PollInterval() time.Duration {
	return helpers.IntSecondDefault(c.Poll.IntervalSec, DefaultPollIntervalSec*time.Second)
}

func (c *Config) DetailsInterval() time.Duration {
	return helpers.IntSecondDefault(c.Poll.DetailsIntervalSec, DefaultDetailsIntervalSec*time.Second)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func (c *Config) validate(errs *[]error) {
	if c.Account.Email == "" {
		*errs = append(*errs, errors.NotValidf("config account.email is required"))
	}
	if c.Account.Password == "" {
		*errs = append(*errs, errors.NotValidf("config account.password is required"))
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		c.validate(&errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
