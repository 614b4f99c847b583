package metrics

import (
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
)

// NewGRPCServerMetrics возвращает interceptor-метрики gRPC.
// go-grpc-prometheus сам регистрирует DefaultServerMetrics в DefaultRegisterer,
// второй экземпляр с теми же именами серий зарегистрировать нельзя.
func NewGRPCServerMetrics() *promgrpc.ServerMetrics {
	return promgrpc.DefaultServerMetrics
}
