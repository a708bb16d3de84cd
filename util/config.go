package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"strings"
)

const Name = "grayling"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string
		HttpPort        int    `yaml:"httpPort"`
		SslDomain       string `yaml:"sslDomain"`
		HubTimeoutSec   int    `yaml:"hubTimeoutSec"`
		FetchTimeoutSec int    `yaml:"fetchTimeoutSec"`
		RatePerSec      int    `yaml:"ratePerSec"`
		RateBurst       int    `yaml:"rateBurst"`
		MaxBodyKb       int    `yaml:"maxBodyKb"`
		Closed          bool   `yaml:"closed"`
	}
}

// BaseURL returns the public root of this node, e.g. "https://example.org".
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.SslDomain)
}

// HubCallbackURL is where PuSH hubs confirm (un)subscriptions.
func (c *AppConfig) HubCallbackURL() string {
	return fmt.Sprintf("%s/main/push/callback", c.BaseURL())
}

// GroupURL returns the canonical page URL of a local group.
func (c *AppConfig) GroupURL(id string) string {
	return fmt.Sprintf("%s/group/%s/id", c.BaseURL(), id)
}

// LocalGroupId extracts the group id from a local group URL, or ""
// when the URL is not one of ours.
func (c *AppConfig) LocalGroupId(uri string) string {
	prefix := c.BaseURL() + "/group/"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, "/id") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(uri, prefix), "/id")
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("GRAYLING_HOST")
	envHttpPort := os.Getenv("GRAYLING_HTTPPORT")
	envSslDomain := os.Getenv("GRAYLING_SSLDOMAIN")
	envHubTimeout := os.Getenv("GRAYLING_HUB_TIMEOUT")
	envFetchTimeout := os.Getenv("GRAYLING_FETCH_TIMEOUT")
	envClosed := os.Getenv("GRAYLING_CLOSED")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envHubTimeout != "" {
		v, err := strconv.Atoi(envHubTimeout)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HubTimeoutSec = v
	}

	if envFetchTimeout != "" {
		v, err := strconv.Atoi(envFetchTimeout)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.FetchTimeoutSec = v
	}

	if envClosed == "true" {
		c.Conf.Closed = true
	}

	if envRate := os.Getenv("GRAYLING_RATE_PER_SEC"); envRate != "" {
		v, err := strconv.Atoi(envRate)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.RatePerSec = v
	}

	if envBurst := os.Getenv("GRAYLING_RATE_BURST"); envBurst != "" {
		v, err := strconv.Atoi(envBurst)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.RateBurst = v
	}

	if c.Conf.FetchTimeoutSec <= 0 {
		c.Conf.FetchTimeoutSec = 10
	}
	if c.Conf.HubTimeoutSec <= 0 {
		c.Conf.HubTimeoutSec = 30
	}
	if c.Conf.RatePerSec <= 0 {
		c.Conf.RatePerSec = 10
	}
	if c.Conf.RateBurst <= 0 {
		c.Conf.RateBurst = 20
	}
	if c.Conf.MaxBodyKb <= 0 {
		c.Conf.MaxBodyKb = 1024
	}

	return c, nil
}
