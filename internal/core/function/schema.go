package function

import (
	"fmt"

	"echolink-server/internal/platform/errors"
)

// ValidateArgs 按工具声明的 JSON Schema 校验参数。
// 只覆盖声明里实际用到的子集：object、required、基础类型、enum。
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]any); ok {
		for _, item := range required {
			name, _ := item.(string)
			if _, present := args[name]; !present {
				return errors.New(errors.KindTool, "function.validate",
					fmt.Sprintf("缺少必填参数 %s", name))
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return errors.New(errors.KindTool, "function.validate",
					fmt.Sprintf("缺少必填参数 %s", name))
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		spec, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if err := checkValue(name, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(name string, spec map[string]any, value any) error {
	typ, _ := spec["type"].(string)
	switch typ {
	case "string":
		s, ok := value.(string)
		if !ok {
			return typeError(name, "string")
		}
		if enum := enumValues(spec["enum"]); enum != nil {
			for _, e := range enum {
				if e == s {
					return nil
				}
			}
			return errors.New(errors.KindTool, "function.validate",
				fmt.Sprintf("参数 %s 取值 %q 不在枚举范围内", name, s))
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return typeError(name, "number")
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return typeError(name, "integer")
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeError(name, "boolean")
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return typeError(name, "array")
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return typeError(name, "object")
		}
	}
	return nil
}

// enumValues 兼容内置工具的 []string 声明和 JSON 反序列化出的 []any
func enumValues(v any) []string {
	switch e := v.(type) {
	case []string:
		return e
	case []any:
		out := make([]string, 0, len(e))
		for _, item := range e {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func typeError(name, want string) error {
	return errors.New(errors.KindTool, "function.validate",
		fmt.Sprintf("参数 %s 类型应为 %s", name, want))
}
