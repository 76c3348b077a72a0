package cfg

import (
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// LoadGlobal parses raw TOML bytes (the contents of .global_config.toml)
// into a GlobalConfig.
func LoadGlobal(raw []byte) (GlobalConfig, error) {
	var g GlobalConfig
	if err := toml.Unmarshal(raw, &g); err != nil {
		return GlobalConfig{}, err
	}
	return g, nil
}

// LoadLocal parses raw TOML bytes (the contents of .local_config.toml)
// into a LocalConfig.
func LoadLocal(raw []byte) (LocalConfig, error) {
	var l LocalConfig
	if err := toml.Unmarshal(raw, &l); err != nil {
		return LocalConfig{}, err
	}
	return l, nil
}

// MarshalGlobal serializes a GlobalConfig back to TOML, for writing
// .global_config.toml and for the FsAnswer handshake payload.
func MarshalGlobal(g GlobalConfig) ([]byte, error) {
	return toml.Marshal(g)
}

// MarshalLocal serializes a LocalConfig back to TOML.
func MarshalLocal(l LocalConfig) ([]byte, error) {
	return toml.Marshal(l)
}

// LoadFile reads a config file at path via viper (TOML codec), for the
// CLI bridge's --config-file flag.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
