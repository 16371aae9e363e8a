package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "pharos"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string
		HttpPort      int    `yaml:"httpPort"`
		Protocol      string `yaml:"protocol"`
		SslDomain     string `yaml:"sslDomain"`
		DbPath        string `yaml:"dbPath"`
		AdminPassword string `yaml:"adminPassword"`
		ShowAdult     bool   `yaml:"showAdult"`
		Debug         bool   `yaml:"debug"`
	}
}

// BaseURL returns the externally visible root URL of this relay,
// e.g. "https://relay.example.org".
func (c *AppConfig) BaseURL() string {
	protocol := c.Conf.Protocol
	if protocol == "" {
		protocol = "https://"
	}
	return fmt.Sprintf("%s%s", protocol, c.Conf.SslDomain)
}

// ActorURI returns the protocol identifier of the local relay actor.
func (c *AppConfig) ActorURI() string {
	return fmt.Sprintf("%s/relay", c.BaseURL())
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

	envHost := os.Getenv("PHAROS_HOST")
	envHttpPort := os.Getenv("PHAROS_HTTPPORT")
	envProtocol := os.Getenv("PHAROS_PROTOCOL")
	envSslDomain := os.Getenv("PHAROS_SSLDOMAIN")
	envDbPath := os.Getenv("PHAROS_DBPATH")
	envAdminPassword := os.Getenv("PHAROS_ADMIN_PASSWORD")
	envShowAdult := os.Getenv("PHAROS_SHOW_ADULT")
	envDebug := os.Getenv("PHAROS_DEBUG")

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

	if envProtocol != "" {
		c.Conf.Protocol = envProtocol
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envAdminPassword != "" {
		c.Conf.AdminPassword = envAdminPassword
	}

	if envShowAdult == "true" {
		c.Conf.ShowAdult = true
	}

	if envDebug == "true" {
		c.Conf.Debug = true
	}

	return c, nil
}
