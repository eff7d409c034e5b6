package mq

import "errors"

var (
	// ErrNoChannel — AMQP канал не открыт.
	ErrNoChannel = errors.New("no channel available")

	// ErrNotConnected — соединение с RabbitMQ не установлено.
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrUnexpectedMessage — сообщение неожиданного типа.
	ErrUnexpectedMessage = errors.New("unexpected message type")

	// ErrBadPayload — тело или payload сообщения не разбирается.
	ErrBadPayload = errors.New("bad message payload")
)
