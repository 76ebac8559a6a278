package log

import (
	"fmt"

	"go.uber.org/zap"
)

// toFields turns alternating key/value pairs into zap fields. A zap.Field
// or a bare error may stand alone; an unpaired trailing value is logged
// under "extra".
func toFields(kv []any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	fields := make([]zap.Field, 0, len(kv)/2+1)
	for i := 0; i < len(kv); i++ {
		switch v := kv[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			continue
		case error:
			fields = append(fields, zap.Error(v))
			continue
		}
		if i+1 == len(kv) {
			fields = append(fields, zap.Any("extra", kv[i]))
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		i++
		if s, ok := kv[i].(fmt.Stringer); ok {
			fields = append(fields, zap.Stringer(key, s))
			continue
		}
		fields = append(fields, zap.Any(key, kv[i]))
	}
	return fields
}
