package logging

import "go.uber.org/zap"

func Tenant(v string) zap.Field    { return zap.String("tenant", v) }
func Table(v string) zap.Field     { return zap.String("table", v) }
func EntityID(v string) zap.Field  { return zap.String("entity_id", v) }
func Component(v string) zap.Field { return zap.String("component", v) }
func Scope(v string) zap.Field     { return zap.String("scope", v) }
func RequestID(v string) zap.Field { return zap.String("request_id", v) }
