// common/configloader/configloader.go
package configloader

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load загружает конфиг в cfgPtr: defaults → ENV → YAML (если задан path).
// envPrefix — префикс ENV переменных, например: "DASHBOARD_PRODUCER".
// Ключи defaults задаются в dotted-форме ("kafka.brokers") и определяют,
// какие ENV переменные будут прочитаны.
func Load(path, envPrefix string, defaults map[string]interface{}, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: defaults
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	// Шаг 2: environment override
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Шаг 3: read file (if provided)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	// Шаг 4: decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 5: validate if possible
	if val, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}

	return nil
}

// Dump возвращает конфиг в читаемом виде (для debug-лога при старте).
func Dump(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
