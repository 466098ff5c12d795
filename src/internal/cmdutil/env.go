package cmdutil

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// Decoder decodes an env file.
type Decoder interface {
	Decode() (map[string]string, error)
}

// Populate populates an object with environment variables.
//
// The environment has precedence over the decoders, earlier
// decoders have precedence over later decoders.
func Populate(object interface{}, decoders ...Decoder) error {
	decoderMap, err := getDecoderMap(decoders)
	if err != nil {
		return err
	}
	return populateInternal(reflect.ValueOf(object), decoderMap, false)
}

// MapDecoder is a Decoder over a fixed map, typically the "env" section of a config file.
type MapDecoder map[string]string

// Decode implements Decoder.
func (m MapDecoder) Decode() (map[string]string, error) { return m, nil }

const (
	cannotParseErr              = "cannot parse"
	envKeyNotSetWhenRequiredErr = "env key not set when required"
	expectedPointerErr          = "expected pointer"
	expectedStructErr           = "expected struct"
	fieldTypeNotAllowedErr      = "field type not allowed"
	invalidTagErr               = "invalid tag, must be KEY,{required},{default=DEFAULT_VALUE}"
)

// Size is a byte count that parses human-readable values like "64MiB" or "1g".
type Size int64

// These are types that we parse directly instead of by kind.
var knownTypes = map[reflect.Type]func(string) (any, error){
	reflect.TypeOf(time.Duration(0)): func(x string) (any, error) {
		return time.ParseDuration(x) //nolint:wrapcheck
	},
	reflect.TypeOf(Size(0)): func(x string) (any, error) {
		n, err := units.RAMInBytes(x)
		return Size(n), err //nolint:wrapcheck
	},
	reflect.TypeOf([]string(nil)): func(x string) (any, error) {
		var result []string
		for _, part := range strings.Split(x, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		return result, nil
	},
}

func populateInternal(reflectValue reflect.Value, decoderMap map[string]string, recursive bool) error {
	if reflectValue.Type().Kind() == reflect.Ptr {
		if reflectValue.IsNil() {
			if !reflectValue.CanSet() {
				return errors.Errorf("%s: %v", expectedPointerErr, reflectValue.Type())
			}
			reflectValue.Set(reflect.New(reflectValue.Type().Elem()))
		}
		reflectValue = reflectValue.Elem()
	} else if !recursive {
		return errors.Errorf("%s: %v", expectedPointerErr, reflectValue.Type())
	}
	if reflectValue.Type().Kind() != reflect.Struct {
		return errors.Errorf("%s: %v", expectedStructErr, reflectValue.Type())
	}

	for i := 0; i < reflectValue.NumField(); i++ {
		structField := reflectValue.Type().Field(i)
		if !structField.IsExported() {
			continue
		}
		ptrToStruct := structField.Type.Kind() == reflect.Ptr && structField.Type.Elem().Kind() == reflect.Struct
		if structField.Type.Kind() == reflect.Struct || ptrToStruct {
			if err := populateInternal(reflectValue.Field(i), decoderMap, true); err != nil {
				return err
			}
			continue
		}
		envTag, err := getEnvTag(structField)
		if err != nil {
			return err
		}
		if envTag == nil {
			continue
		}
		value := getValue(envTag.key, envTag.defaultValue, decoderMap)
		if value == "" {
			if envTag.required {
				return errors.Errorf("%s: %s %v", envKeyNotSetWhenRequiredErr, envTag.key, reflectValue.Type())
			}
			continue
		}
		if err := setField(reflectValue.Field(i), structField, value); err != nil {
			return errors.Wrapf(err, "%s", envTag.key)
		}
	}
	return nil
}

func getDecoderMap(decoders []Decoder) (map[string]string, error) {
	env := make(map[string]string)
	for _, decoder := range decoders {
		subEnv, err := decoder.Decode()
		if err != nil {
			return nil, errors.EnsureStack(err)
		}
		for key, value := range subEnv {
			if value != "" {
				if _, ok := env[key]; !ok {
					env[key] = value
				}
			}
		}
	}
	return env, nil
}

func getValue(key string, defaultValue string, decoderMap map[string]string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	value = decoderMap[key]
	if value != "" {
		return value
	}
	return defaultValue
}

type envTag struct {
	key          string
	required     bool
	defaultValue string
}

func getEnvTag(structField reflect.StructField) (*envTag, error) {
	tag := structField.Tag.Get("env")
	if tag == "" {
		return nil, nil
	}
	split := strings.SplitN(tag, ",", 2)
	envTag := &envTag{
		key: split[0],
	}
	if len(split) == 1 {
		return envTag, nil
	}
	split = strings.SplitN(strings.TrimSpace(split[1]), "=", 2)
	switch split[0] {
	case "required":
		envTag.required = true
	case "default":
		if len(split) != 2 {
			return nil, errors.Errorf("%s: %s", invalidTagErr, tag)
		}
		envTag.defaultValue = split[1]
	default:
		return nil, errors.Errorf("%s: %s", invalidTagErr, tag)
	}
	return envTag, nil
}

func setField(field reflect.Value, structField reflect.StructField, value string) error {
	if parser, ok := knownTypes[structField.Type]; ok {
		v, err := parser(value)
		if err != nil {
			return errors.Wrapf(err, cannotParseErr)
		}
		field.Set(reflect.ValueOf(v))
		return nil
	}
	switch kind := structField.Type.Kind(); kind {
	case reflect.Bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, cannotParseErr)
		}
		field.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(value, 10, structField.Type.Bits())
		if err != nil {
			return errors.Wrapf(err, cannotParseErr)
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(value, 10, structField.Type.Bits())
		if err != nil {
			return errors.Wrapf(err, cannotParseErr)
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(value, structField.Type.Bits())
		if err != nil {
			return errors.Wrapf(err, cannotParseErr)
		}
		field.SetFloat(v)
	case reflect.String:
		field.SetString(value)
	default:
		return errors.Errorf("%s: %v", fieldTypeNotAllowedErr, kind)
	}
	return nil
}
