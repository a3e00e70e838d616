package events

import (
	"fmt"
	"io"

	"sqlassist/internal/config"
	xerrors "sqlassist/internal/errors"
)

// Open 根据配置创建发布器。rabbitmq 模式同时保留审计日志。
// 返回的 io.Closer 在不需要关闭资源时为 nil。
func Open(cfg config.EventsConfig) (Publisher, io.Closer, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogPublisher(), nil, nil
	case "none":
		return Noop{}, nil, nil
	case "rabbitmq":
		rmq, err := NewRabbitMQPublisher(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Durable:    cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		return NewFanout(NewLogPublisher(), rmq), rmq, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的事件驱动: %s", cfg.Driver))
	}
}
