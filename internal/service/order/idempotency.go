package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type idempotencyErrorPayload struct {
	Kind    domain.ErrorKind `json:"kind,omitempty"`
	Field   string           `json:"field,omitempty"`
	Message string           `json:"message"`
}

// CreateOrderIdempotent оформляет заказ не более одного раза на ключ.
// Повтор с тем же ключом и телом возвращает сохранённый результат,
// с другим телом отклоняется ErrIdempotencyHashMismatch.
func (s *Service) CreateOrderIdempotent(ctx context.Context, key string, req domain.CreateOrderRequest) (CreateOrderResult, error) {
	if s.idempotency == nil {
		return s.CreateOrder(ctx, req)
	}

	reqHash, err := buildRequestHash(req)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("build idempotency request hash: %w", err)
	}

	record, err := s.idempotency.CreateProcessing(ctx, key, reqHash, time.Now().UTC().Add(s.idempotencyTTL))
	if err != nil {
		return s.replay(key, err, record)
	}

	result, runErr := s.CreateOrder(ctx, req)
	if runErr != nil {
		s.settleFailure(ctx, key, runErr)
		return CreateOrderResult{}, runErr
	}

	body, err := json.Marshal(result)
	if err == nil {
		err = s.idempotency.MarkDone(ctx, key, body)
	}
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent success response")
	}

	return result, nil
}

func (s *Service) replay(key string, createErr error, record domain.IdempotencyRecord) (CreateOrderResult, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return CreateOrderResult{}, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			var result CreateOrderResult
			if err := json.Unmarshal(record.ResponseBody, &result); err != nil {
				s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to decode cached idempotency response")
				return CreateOrderResult{}, fmt.Errorf("decode cached response: %w", err)
			}
			return result, nil
		case domain.IdempotencyStatusProcessing:
			return CreateOrderResult{}, domain.ErrIdempotencyInProgress
		case domain.IdempotencyStatusFailed:
			return CreateOrderResult{}, decodeFailure(record)
		default:
			return CreateOrderResult{}, fmt.Errorf("unknown idempotency record status %q", record.Status)
		}
	default:
		return CreateOrderResult{}, createErr
	}
}

// settleFailure запоминает бизнес-ошибку под ключом. Сбой инфраструктуры не кэшируется:
// ключ освобождается, и повтор с тем же ключом выполняется заново.
func (s *Service) settleFailure(ctx context.Context, key string, runErr error) {
	logger := s.logger.WithField("idempotency_key", key)

	var domainErr *domain.Error
	if !errors.As(runErr, &domainErr) {
		if err := s.idempotency.Release(ctx, key); err != nil {
			logger.WithError(err).Warn("failed to release idempotency key after internal failure")
		}
		return
	}

	body, err := json.Marshal(idempotencyErrorPayload{
		Kind:    domainErr.Kind,
		Field:   domainErr.Field,
		Message: domainErr.Message,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to encode idempotency failure payload")
		body = nil
	}
	if err := s.idempotency.MarkFailed(ctx, key, body); err != nil {
		logger.WithError(err).Warn("failed to store idempotency failure response")
	}
}

func decodeFailure(record domain.IdempotencyRecord) error {
	var payload idempotencyErrorPayload
	if len(record.ResponseBody) > 0 && json.Unmarshal(record.ResponseBody, &payload) == nil {
		if payload.Kind != "" {
			return &domain.Error{Kind: payload.Kind, Field: payload.Field, Message: payload.Message}
		}
		if payload.Message != "" {
			return fmt.Errorf("previous request with the same idempotency key failed: %s", payload.Message)
		}
	}
	return errors.New("previous request with the same idempotency key failed")
}

func buildRequestHash(req domain.CreateOrderRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
