package jsoncodec

import (
	"github.com/bytedance/sonic"
)

// ConfigStd sorts map keys, which keeps encodings comparable byte for byte.
var defaultConfig = sonic.ConfigStd

// rowConfig decodes untyped numbers as json.Number so bigint keys keep every digit.
var rowConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseNumber:        true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalNumbers is Unmarshal with numbers in interface values left as json.Number.
func UnmarshalNumbers(data []byte, v any) error {
	return rowConfig.Unmarshal(data, v)
}
