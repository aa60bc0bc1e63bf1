package haywire

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// Config is the configuration a server is initialized with. It is copied on [Server.Init] and never changes
// afterwards. The env tags name the keys a configuration file provides: section "http", key "listen_port" maps
// onto HTTP_LISTEN_PORT. The process environment is never consulted.
type Config struct {
	// ListenAddress is the IP address to listen on.
	ListenAddress string `env:"HTTP_LISTEN_ADDRESS" envDefault:"0.0.0.0"`
	// ListenPort is the TCP port to listen on.
	ListenPort int `env:"HTTP_LISTEN_PORT,required"`
	// MaxHeaderBytes bounds the request line plus headers. Larger requests are answered with 431.
	MaxHeaderBytes int `env:"HTTP_MAX_HEADER_BYTES" envDefault:"65536"`
	// MaxRequestBytes bounds url, headers and body together. Larger requests are answered with 413. Zero or less
	// means no limit.
	MaxRequestBytes int `env:"HTTP_MAX_REQUEST_BYTES" envDefault:"1048576"`
	// BufferLimit bounds every outgoing buffer. A negative value means no limit.
	BufferLimit int `env:"HTTP_BUFFER_LIMIT" envDefault:"-1"`
}

// Addr returns the address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

func (c Config) validate() error {
	if c.ListenAddress == "" {
		return errors.Wrap(ErrInvalidConfig, "listen address is empty")
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "listen port %d out of range", c.ListenPort)
	}

	if c.MaxHeaderBytes < 1 {
		return errors.Wrapf(ErrInvalidConfig, "max header bytes %d must be positive", c.MaxHeaderBytes)
	}

	return nil
}

// ConfigFormat selects the syntax of a configuration file.
type ConfigFormat int

const (
	// FormatINI is the INI syntax: "[http]" sections with "key = value" lines.
	FormatINI ConfigFormat = iota
	// FormatJSON is a JSON object of sections, e.g. {"http": {"listen_port": 8000}}.
	FormatJSON
)

// FormatOf picks the format from the file extension: ".json" is JSON, everything else INI.
func FormatOf(path string) ConfigFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}

	return FormatINI
}

// ParseConfig parses configuration data. Keys the configuration does not know are ignored; missing keys take
// their defaults, except for the listen port, which is required.
func ParseConfig(data []byte, format ConfigFormat) (Config, error) {
	var (
		vars map[string]string
		err  error
	)

	switch format {
	case FormatJSON:
		vars, err = jsonVars(data)
	default:
		vars, err = iniVars(data)
	}

	if err != nil {
		return Config{}, invalidConfig(err, "failed to parse config")
	}

	return configFromVars(vars)
}

func configFromVars(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, invalidConfig(err, "failed to parse config")
	}

	return cfg, nil
}

// LoadConfigFile reads and parses the configuration file at path.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, invalidConfig(err, fmt.Sprintf("failed to read config file %q", path))
	}

	return ParseConfig(data, FormatOf(path))
}

// invalidConfig returns an error that is [ErrInvalidConfig] and carries cause as its secondary error.
func invalidConfig(cause error, msg string) error {
	return errors.WithSecondaryError(errors.Wrap(ErrInvalidConfig, msg+": "+cause.Error()), cause)
}

func varName(section, key string) string {
	name := strings.TrimSpace(key)
	if section != "" {
		name = section + "_" + name
	}

	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func iniVars(data []byte) (map[string]string, error) {
	vars := make(map[string]string)

	var section string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())

		switch {
		case text == "", text[0] == ';', text[0] == '#':
			continue
		case text[0] == '[':
			if !strings.HasSuffix(text, "]") {
				return nil, errors.Newf("line %d: unterminated section header", line)
			}
			section = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}

		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, errors.Newf("line %d: expected key = value", line)
		}

		value = strings.TrimSpace(value)
		if unq, err := strconv.Unquote(value); err == nil {
			value = unq
		}

		vars[varName(section, key)] = value
	}

	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan config")
	}

	return vars, nil
}

func jsonVars(data []byte) (map[string]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errors.New("config must be a JSON object")
	}

	vars := make(map[string]string)
	root.ForEach(func(section, value gjson.Result) bool {
		if !value.IsObject() {
			vars[varName("", section.String())] = value.String()
			return true
		}

		value.ForEach(func(key, v gjson.Result) bool {
			vars[varName(section.String(), key.String())] = v.String()
			return true
		})

		return true
	})

	return vars, nil
}
