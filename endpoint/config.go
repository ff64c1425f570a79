package endpoint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// SSLConfig carries the TLS settings of the endpoint. The handshake itself is
// a stub hook; the fields exist so embedders can configure a real TLS
// implementation behind it.
type SSLConfig struct {
	Engine               string `yaml:"engine"`
	Protocol             string `yaml:"protocol"`
	CipherSuite          string `yaml:"cipherSuite"`
	Password             string `yaml:"password"`
	CertificateFile      string `yaml:"certificateFile"`
	CertificateKeyFile   string `yaml:"certificateKeyFile"`
	CertificateChainFile string `yaml:"certificateChainFile"`
	CACertificatePath    string `yaml:"caCertificatePath"`
	CACertificateFile    string `yaml:"caCertificateFile"`
	CARevocationPath     string `yaml:"caRevocationPath"`
	CARevocationFile     string `yaml:"caRevocationFile"`
	VerifyClient         string `yaml:"verifyClient"`
	VerifyDepth          int    `yaml:"verifyDepth"`
}

// Config is the configuration snapshot an Endpoint is built from. Timeouts are
// in milliseconds except PollTime, which is in microseconds.
type Config struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Backlog int    `yaml:"backlog"`

	TCPNoDelay       bool `yaml:"tcpNoDelay"`
	SoLinger         int  `yaml:"soLinger"`
	SoTimeout        int  `yaml:"soTimeout"`
	FirstReadTimeout int  `yaml:"firstReadTimeout"`

	MaxThreads     int  `yaml:"maxThreads"`
	ThreadPriority int  `yaml:"threadPriority"`
	Daemon         bool `yaml:"daemon"`

	PollerSize          int `yaml:"pollerSize"`
	PollTime            int `yaml:"pollTime"`
	SelectorTimeout     int `yaml:"selectorTimeout"`
	PollerThreadCount   int `yaml:"pollerThreadCount"`
	AcceptorThreadCount int `yaml:"acceptorThreadCount"`
	SendfileThreadCount int `yaml:"sendfileThreadCount"`

	UseSendfile bool `yaml:"useSendfile"`
	UseComet    bool `yaml:"useComet"`

	SSL SSLConfig `yaml:"ssl"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:                "endpoint",
		Backlog:             100,
		SoLinger:            100,
		SoTimeout:           -1,
		FirstReadTimeout:    60000,
		MaxThreads:          40,
		Daemon:              true,
		PollerSize:          8192,
		PollTime:            2000,
		SelectorTimeout:     5000,
		PollerThreadCount:   1,
		AcceptorThreadCount: 1,
		UseComet:            true,
		SSL: SSLConfig{
			Engine:       "off",
			Protocol:     "all",
			CipherSuite:  "ALL",
			VerifyClient: "none",
			VerifyDepth:  10,
		},
	}
}

// LoadConfig reads a yaml file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
