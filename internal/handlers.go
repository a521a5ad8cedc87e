package internal

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/model"
)

type Handlers struct {
	Service        IService
	logger         *zap.SugaredLogger
	jwtSecret      []byte
	callbackSecret []byte
}

func NewHandlers(service IService, cfg *Config, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{
		Service:        service,
		logger:         logger,
		jwtSecret:      []byte(cfg.JWTSecret),
		callbackSecret: []byte(cfg.CallbackSecret),
	}
}

func (h *Handlers) InitiatePayment(c *fiber.Ctx) error {
	uid, err := getUserIDFromToken(c, h.jwtSecret)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	var i model.PaymentInput
	if err = c.BodyParser(&i); err != nil {
		h.logger.Errorf("Error on initiate payment request: %s", err.Error())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Error on initiate payment request", "data": "incorrect request format"})
	}

	ack, err := h.Service.RequestPayment(c.UserContext(), uid, i)
	if err != nil {
		h.logger.Errorf("Error on initiate payment request: %s", err.Error())
		return c.Status(statusFor(err)).JSON(fiber.Map{"status": "error", "message": "Error on initiate payment request", "data": messageFor(err, "payment initiation failed")})
	}

	return c.Status(fiber.StatusOK).JSON(ack)
}

func (h *Handlers) PaymentStatus(c *fiber.Ctx) error {
	uid, err := getUserIDFromToken(c, h.jwtSecret)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id := c.Query("checkoutRequestId")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Error on payment status request", "data": ErrMissingCheckoutID.Error()})
	}

	st, err := h.Service.PollStatus(c.UserContext(), uid, id)
	if err != nil {
		h.logger.Errorf("Error on payment status request: %s", err.Error())
		return c.Status(statusFor(err)).JSON(fiber.Map{"status": "error", "message": "Error on payment status request", "data": messageFor(err, "status query failed")})
	}

	return c.Status(fiber.StatusOK).JSON(st)
}

// PaymentCallback answers 200 for every parsed callback, whatever its
// outcome, so the provider stops redelivering it.
func (h *Handlers) PaymentCallback(c *fiber.Ctx) error {
	if subtle.ConstantTimeCompare([]byte(c.Query("token")), h.callbackSecret) != 1 {
		h.logger.Warnw("callback rejected", "ip", c.IP(), "error", ErrInvalidCallback)
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	outcome, err := h.Service.HandleCallback(c.UserContext(), c.Body())
	if err != nil {
		h.logger.Errorf("Error on payment callback: %s", err.Error())
		if errors.Is(err, ErrMalformedCallback) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Error on payment callback", "data": ErrMalformedCallback.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"status": "error", "message": "Error on payment callback"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok", "outcome": outcome})
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusOK)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrOrderNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrOrderBelongsToOther):
		return fiber.StatusForbidden
	case errors.Is(err, ErrOrderNotPayable):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

// messageFor keeps provider and storage details out of client responses.
func messageFor(err error, gatewayMessage string) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return gatewayMessage
	}
	if statusFor(err) == fiber.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func getUserIDFromToken(c *fiber.Ctx, secret []byte) (int, error) {
	tokenString := c.Cookies("token")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return 0, err
	}

	switch id := claims["id"].(type) {
	case string:
		return strconv.Atoi(id)
	case float64:
		return int(id), nil
	}
	return 0, errors.New("token has no user id")
}
