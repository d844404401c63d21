package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anastasis-provider/anastasis/internal/authplugin"
	"github.com/anastasis-provider/anastasis/internal/config"
)

func TestDetermineAddr(t *testing.T) {
	cases := []struct {
		name string
		flag string
		cfg  func() *config.Config
		want string
	}{
		{
			name: "flag wins",
			flag: "127.0.0.1:9000",
			cfg:  config.New,
			want: "127.0.0.1:9000",
		},
		{
			name: "config host and port",
			flag: "",
			cfg: func() *config.Config {
				cfg := config.New()
				cfg.Server.Host = "10.0.0.5"
				cfg.Server.Port = 9090
				return cfg
			},
			want: "10.0.0.5:9090",
		},
		{
			name: "falls back to default port when unset",
			flag: "",
			cfg: func() *config.Config {
				cfg := config.New()
				cfg.Server.Host = "0.0.0.0"
				cfg.Server.Port = 0
				return cfg
			},
			want: "0.0.0.0:8086",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := determineAddr(tc.flag, tc.cfg())
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHostFromAddr(t *testing.T) {
	cfg := config.New()
	cfg.Server.Host = "escrow.example.com"
	assert.Equal(t, "escrow.example.com", hostFromAddr("0.0.0.0:8086", cfg))

	cfg2 := config.New()
	cfg2.Server.Host = "0.0.0.0"
	assert.Equal(t, "127.0.0.1", hostFromAddr("127.0.0.1:8086", cfg2))
}

func TestBuildAuthRegistryRegistersEnabledMethods(t *testing.T) {
	cfg := config.New()
	cfg.AuthMethod = map[string]config.AuthMethodConfig{
		"question": {Enabled: true, CostCents: 0},
		"sms":      {Enabled: true, CostCents: 50},
		"file":     {Enabled: false, CostCents: 10},
	}

	reg := buildAuthRegistry(cfg)

	question, err := reg.Lookup("question")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), question.StaticCost.Value)

	sms, err := reg.Lookup("sms")
	assert.NoError(t, err)
	assert.Equal(t, int64(50), sms.StaticCost.Value)

	_, err = reg.Lookup("file")
	assert.ErrorAs(t, err, new(authplugin.ErrUnknownMethod))
}
