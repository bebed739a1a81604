package config

import (
	"fmt"
	"reflect"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/G-Research/busbench/internal/common/pulsarutils"
)

// CustomHooks must be passed to viper.Unmarshal. Viper only keeps the last DecodeHook option,
// so all hooks are composed into one.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PulsarCompressionTypeHookFunc(),
		DecimalDecodeHook(),
	)),
}

func PulsarCompressionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.NoCompression) {
			return data, nil
		}
		return pulsarutils.ParsePulsarCompressionType(data.(string))
	}
}

// DecimalDecodeHook parses strings and numbers into decimal.Decimal.
// Amounts should be given as strings in config files to avoid float rounding.
func DecimalDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case decimal.Decimal:
			return v, nil
		default:
			return decimal.NewFromString(fmt.Sprintf("%v", data))
		}
	}
}
