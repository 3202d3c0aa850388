package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/inoerp/js-sandbox/internal/bridge"
	"go.uber.org/zap"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Bind fills the func-typed exported fields of the struct api points to
// with functions that call the script function of the same name.
//
// The script name is taken from the `js` struct tag, or is the field name
// with its first letter lower-cased; `js:"-"` skips a field. A leading
// context.Context parameter is passed to CallContext. The first result, if
// it is not an error, receives the decoded return value. Fields without an
// error result drop call errors and return the zero value.
//
//	type Store struct {
//		Save func(v string)
//		Load func() (string, error)
//		Sum  func(ctx context.Context, xs ...int) (int, error) `js:"math.sum"`
//	}
func Bind(s *Session, api any) error {
	rv := reflect.ValueOf(api)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("sandbox: Bind needs a non-nil pointer to a struct, got %T", api)
	}

	st := rv.Elem().Type()
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}
		name, ok := field.Tag.Lookup("js")
		if name == "-" {
			continue
		}
		if !ok || name == "" {
			name = lowerFirst(field.Name)
		}
		if err := bridge.ValidateName(name); err != nil {
			return fmt.Errorf("sandbox: field %s: %w", field.Name, err)
		}
		fn, err := binding(s, name, field.Type)
		if err != nil {
			return fmt.Errorf("sandbox: field %s: %w", field.Name, err)
		}
		rv.Elem().Field(i).Set(fn)
	}
	return nil
}

func binding(s *Session, name string, ft reflect.Type) (reflect.Value, error) {
	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType

	var result reflect.Type
	returnsErr := false
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			returnsErr = true
		} else {
			result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return reflect.Value{}, fmt.Errorf("second result of %v must be error", ft)
		}
		result = ft.Out(0)
		returnsErr = true
	default:
		return reflect.Value{}, fmt.Errorf("%v has too many results", ft)
	}

	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if withCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}

		args := make([]any, 0, len(in))
		for i, v := range in {
			if ft.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		var out reflect.Value
		v, err := s.CallContext(ctx, name, args...)
		if err == nil && result != nil {
			out = reflect.New(result)
			err = v.Decode(out.Interface())
		}
		if err != nil && !returnsErr {
			s.logger.Debug("bound call failed", zap.String("name", name), zap.Error(err))
		}

		results := make([]reflect.Value, 0, ft.NumOut())
		if result != nil {
			if err != nil {
				results = append(results, reflect.Zero(result))
			} else {
				results = append(results, out.Elem())
			}
		}
		if returnsErr {
			errVal := reflect.Zero(errorType)
			if err != nil {
				errVal = reflect.ValueOf(&err).Elem()
			}
			results = append(results, errVal)
		}
		return results
	}), nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// Func0 returns a typed function calling the script function name.
func Func0[R any](s *Session, name string) func() (R, error) {
	return func() (R, error) {
		return CallAs[R](s, name)
	}
}

// Func1 returns a typed function calling the script function name.
func Func1[A, R any](s *Session, name string) func(A) (R, error) {
	return func(a A) (R, error) {
		return CallAs[R](s, name, a)
	}
}

// Func2 returns a typed function calling the script function name.
func Func2[A, B, R any](s *Session, name string) func(A, B) (R, error) {
	return func(a A, b B) (R, error) {
		return CallAs[R](s, name, a, b)
	}
}

// Func3 returns a typed function calling the script function name.
func Func3[A, B, C, R any](s *Session, name string) func(A, B, C) (R, error) {
	return func(a A, b B, c C) (R, error) {
		return CallAs[R](s, name, a, b, c)
	}
}
