package service

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/gabihodoroga/log-pipeline/service")
