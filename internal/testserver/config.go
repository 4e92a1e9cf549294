package testserver

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-viper/encoding/javaproperties"
	"github.com/spf13/viper"

	"github.com/circleci/disttest/config/secret"
)

//go:embed defaults.properties
var defaultProperties []byte

type property struct {
	key    string
	value  string
	source string
}

func (p property) display() string {
	if secret.IsSensitiveKey(p.key) {
		return secret.String(p.value).String()
	}
	return p.value
}

// configuration is every property known to the server, keyed by its full name including
// any %profile. prefix. Later sources override earlier ones.
type configuration struct {
	props map[string]property
}

func loadConfiguration(home, configFile string, environ []string) (*configuration, error) {
	c := &configuration{props: map[string]property{}}

	err := c.merge(bytes.NewReader(defaultProperties), "default")
	if err != nil {
		return nil, fmt.Errorf("invalid built in defaults: %w", err)
	}

	if home != "" {
		homeConfig := filepath.Join(home, "conf", "keycloak.properties")
		if _, err := os.Stat(homeConfig); err == nil {
			if err := c.mergeFile(homeConfig); err != nil {
				return nil, err
			}
		}
	}

	if configFile != "" {
		if err := c.mergeFile(configFile); err != nil {
			return nil, err
		}
	}

	c.mergeEnv(environ)
	return c, nil
}

func (c *configuration) mergeFile(path string) error {
	//#nosec:G304 // reading the configured file is the point
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("could not read configuration file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read only

	err = c.merge(f, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("invalid configuration file %q: %w", path, err)
	}
	return nil
}

func (c *configuration) merge(r io.Reader, source string) error {
	v, err := newViper()
	if err != nil {
		return err
	}
	v.SetConfigType("properties")
	err = v.ReadConfig(r)
	if err != nil {
		return err
	}
	for _, key := range v.AllKeys() {
		c.props[key] = property{key: key, value: v.GetString(key), source: source}
	}
	return nil
}

// propertyKeyDelimiter is never found in a property name. Names are dotted but flat, and
// splitting on dots would nest kc.db and kc.db.password into one another.
const propertyKeyDelimiter = "::"

func newViper() (*viper.Viper, error) {
	codecs := viper.NewCodecRegistry()
	err := codecs.RegisterCodec("properties", &javaproperties.Codec{KeyDelimiter: propertyKeyDelimiter})
	if err != nil {
		return nil, err
	}
	return viper.NewWithOptions(
		viper.KeyDelimiter(propertyKeyDelimiter),
		viper.WithCodecRegistry(codecs),
	), nil
}

// mergeEnv maps KC_DB_PASSWORD style variables onto kc.db.password.
func (c *configuration) mergeEnv(environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "KC_") {
			continue
		}
		key := "kc." + strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, "KC_")), "_", ".")
		c.props[key] = property{key: key, value: value, source: "ENV"}
	}
}

func (c *configuration) get(key string) (string, bool) {
	p, ok := c.props[key]
	return p.value, ok
}

// resolved returns the unprofiled properties with the given prefix, with values from the
// active profile taking precedence.
func (c *configuration) resolved(prefix, profile string) []property {
	byKey := map[string]property{}
	for key, p := range c.props {
		if strings.HasPrefix(key, prefix) {
			byKey[key] = p
		}
	}
	profilePrefix := "%" + profile + "."
	for key, p := range c.props {
		unprofiled := strings.TrimPrefix(key, profilePrefix)
		if unprofiled != key && strings.HasPrefix(unprofiled, prefix) {
			p.key = unprofiled
			byKey[unprofiled] = p
		}
	}
	return sorted(byKey)
}

// profile returns the properties scoped to one profile, keeping their %profile. prefix.
func (c *configuration) profile(name string) []property {
	byKey := map[string]property{}
	for key, p := range c.props {
		if strings.HasPrefix(key, "%"+name+".") {
			byKey[key] = p
		}
	}
	return sorted(byKey)
}

func (c *configuration) profiles() []string {
	seen := map[string]bool{}
	for key := range c.props {
		if !strings.HasPrefix(key, "%") {
			continue
		}
		name, _, ok := strings.Cut(key[1:], ".")
		if ok && name != "" {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sorted(byKey map[string]property) []property {
	out := make([]property, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].key < out[j].key
	})
	return out
}
