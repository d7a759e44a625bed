package decode

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码：
	// 例如 "123" -> int、1.0 -> int64 等。
	WeaklyTypedInput bool
	// 出现目标结构体没有的字段时报错（协议帧默认开启）
	ErrorUnused bool
}

// DefaultOptions 返回默认选项：严格字段、不做宽松类型转换。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: false,
		ErrorUnused:      true,
	}
}

// DecodeMap 将 JSON 反序列化得到的 map 解码到结构体 T。
// 结构体字段读取使用 `json` tag。
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}
	if m == nil {
		m = map[string]any{}
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			sliceAnyToSliceStringHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}

// DecodeRaw 先把原始 JSON 解成 map，再走 DecodeMap。
// 空 payload 等价于 {}。
func DecodeRaw[T any](raw json.RawMessage, opts ...Options) (*T, error) {
	m := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	return DecodeMap[T](m, opts...)
}

// -----------------------------
// Decode Hooks
// -----------------------------

// floatToIntHook：JSON 数字默认是 float64，带小数部分的拒绝。
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		switch to {
		case reflect.Int, reflect.Int32, reflect.Int64:
			if f != float64(int64(f)) {
				return nil, fmt.Errorf("expected integer, got %v", f)
			}
		}
		switch to {
		case reflect.Int:
			return int(f), nil
		case reflect.Int32:
			return int32(f), nil
		case reflect.Int64:
			return int64(f), nil
		}
		return data, nil
	}
}

// sliceAnyToSliceStringHook：把 []any 转为 []string，元素必须都是字符串。
func sliceAnyToSliceStringHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Slice || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		src, ok := data.([]any)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(src))
		for i, it := range src {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: expected string, got %T", i, it)
			}
			out = append(out, s)
		}
		return out, nil
	}
}
