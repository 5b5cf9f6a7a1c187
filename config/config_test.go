package config

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/solixapi/solix/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"minimal",
			`account { email = "user@example.com" password = "hunter2" country = "DE" }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "user@example.com", c.Account.Email)
				assert.Equal(t, "DE", c.Account.Country)
				assert.Equal(t, time.Duration(0), c.RequestDelay())
				assert.Equal(t, 600*time.Second, c.PollInterval())
				assert.Equal(t, 3600*time.Second, c.DetailsInterval())
			},
			"",
		},

		{"full", `
account { email = "user@example.com" password = "hunter2" }
api { request_delay_ms = 500 request_timeout_sec = 20 endpoint_limit = 5 }
mqtt { enable = true trust_mode = "system-ca" keepalive_sec = 30 }
tables { path = "/etc/solix/tables.json" }
persist { root = "/var/lib/solix" }
poll { interval_sec = 60 details_interval_sec = 300 }
log_debug = true`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 500*time.Millisecond, c.RequestDelay())
				assert.Equal(t, 20*time.Second, c.RequestTimeout())
				assert.Equal(t, 5, c.Api.EndpointLimit)
				assert.True(t, c.Mqtt.Enable)
				assert.Equal(t, "system-ca", c.Mqtt.TrustMode)
				assert.Equal(t, "/etc/solix/tables.json", c.Tables.Path)
				assert.Equal(t, "/var/lib/solix", c.Persist.Root)
				assert.Equal(t, 60*time.Second, c.PollInterval())
				assert.True(t, c.LogDebug)
			},
			"",
		},

		{"include-overwrites", `
account { email = "user@example.com" password = "hunter2" }
poll { interval_sec = 60 }
include "poll-120" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 120*time.Second, c.PollInterval())
			},
			"",
		},

		{"include-optional", `
account { email = "user@example.com" password = "hunter2" }
include "non-exist" { optional = true }`,
			nil, ""},

		{"missing-credentials", `poll { interval_sec = 60 }`,
			nil, "account.email is required"},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil,
			"config include loop: from=include-loop include=include-loop"},
		{"error-include-missing", `include "non-exist" {}`, nil,
			"config required name=non-exist"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"poll-120":     `poll { interval_sec = 120 }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}
