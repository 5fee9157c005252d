package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// toJS builds a JS value from decoded envelope data. Byte slices become
// Uint8Arrays so modules see binary fields the way a worker would.
func toJS(vm *goja.Runtime, v any) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case []byte:
		buf := vm.NewArrayBuffer(append([]byte(nil), x...))
		arr, err := vm.New(vm.Get("Uint8Array"), vm.ToValue(buf))
		if err != nil {
			return nil, fmt.Errorf("failed to build Uint8Array: %w", err)
		}
		return arr, nil
	case map[string]any:
		obj := vm.NewObject()
		for k, field := range x {
			jv, err := toJS(vm, field)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(k, jv); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			jv, err := toJS(vm, item)
			if err != nil {
				return nil, err
			}
			items[i] = jv
		}
		return vm.NewArray(items...), nil
	case []map[string]any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = item
		}
		return toJS(vm, items)
	default:
		return vm.ToValue(x), nil
	}
}

// fromJS deep-copies an exported JS value so nothing handed to the kernel
// aliases memory the VM can still mutate.
func fromJS(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, field := range x {
			out[k] = fromJS(field)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fromJS(item)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...)
	default:
		return v
	}
}
