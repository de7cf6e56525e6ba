package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "tremolo"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host             string `yaml:"host"`
		HttpPort         int    `yaml:"httpPort"`
		SslDomain        string `yaml:"sslDomain"`
		DatabasePath     string `yaml:"databasePath"`
		ServiceActorName string `yaml:"serviceActorName"`

		// ActorFetchDelay is the staleness threshold for cached remote
		// actors, in minutes.
		ActorFetchDelay int `yaml:"actorFetchDelay"`
		// FetchDedupWindow is the window within which identical fetches
		// are coalesced, in minutes.
		FetchDedupWindow int `yaml:"fetchDedupWindow"`

		RssMaxItems        int `yaml:"rssMaxItems"`
		RssRefreshInterval int `yaml:"rssRefreshInterval"`

		AllowListEnabled bool `yaml:"allowListEnabled"`
		// AllowedDomains seeds the domain allow-list at startup when
		// allow-list federation is enabled.
		AllowedDomains []string `yaml:"allowedDomains"`
		Closed         bool     `yaml:"closed"`
	}
}

// ServiceActorFid returns the federation id of the instance service actor.
func (c *AppConfig) ServiceActorFid() string {
	return fmt.Sprintf("https://%s/federation/actors/%s", c.Conf.SslDomain, c.Conf.ServiceActorName)
}

func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	buf, err := os.ReadFile(ConfigFileName)
	if err != nil {
		log.Infof("Config file not found at %s, using embedded defaults", ConfigFileName)
		buf = embeddedConfig
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	if c.Conf.SslDomain == "" {
		return nil, fmt.Errorf("sslDomain must be set")
	}

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("TREMOLO_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TREMOLO_HTTPPORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Warnf("Invalid TREMOLO_HTTPPORT %q: %v", v, err)
		} else {
			c.Conf.HttpPort = p
		}
	}
	if v := os.Getenv("TREMOLO_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("TREMOLO_DATABASE_PATH"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v := os.Getenv("TREMOLO_SERVICE_ACTOR"); v != "" {
		c.Conf.ServiceActorName = v
	}
	if v := os.Getenv("TREMOLO_ALLOW_LIST"); v == "true" {
		c.Conf.AllowListEnabled = true
	}
	if v := os.Getenv("TREMOLO_CLOSED"); v == "true" {
		c.Conf.Closed = true
	}
}
