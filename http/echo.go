package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/extensions/webbotauth"
)

// EchoPaymentMiddleware is the echo counterpart of PaymentMiddleware. It
// shares the same Options and the same request flow; only the framework
// plumbing differs.
func EchoPaymentMiddleware(server *x402.X402ResourceServer, config x402.ResourceConfig, opts ...Options) echo.MiddlewareFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			var resource string
			if options.Resource == "" {
				resource = options.ResourceRootURL + c.Request().URL.Path
			} else {
				resource = options.Resource
			}
			resourceInfo := x402.ResourceInfo{
				URL:         resource,
				Description: options.Description,
				MimeType:    options.MimeType,
			}

			requirements, err := server.BuildPaymentRequirements(ctx, config)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}

			paymentHeader := c.Request().Header.Get(HeaderPaymentSignature)
			if paymentHeader == "" {
				return echoPaymentRequired(c, server, requirements, resourceInfo, "")
			}

			payload, err := ValidateAndDecodePaymentHeader(paymentHeader)
			if err != nil {
				if errors.Is(err, ErrHeaderTooLarge) {
					return c.JSON(http.StatusRequestHeaderFieldsTooLarge, map[string]string{
						"error": HeaderPaymentSignature + " header exceeds size limit",
					})
				}
				return echoPaymentRequired(c, server, requirements, resourceInfo, err.Error())
			}

			echoAttachSignatureHeaders(c, payload, paymentHeader)

			matching := server.FindMatchingRequirements(requirements, *payload)
			if matching == nil {
				return echoPaymentRequired(c, server, requirements, resourceInfo, "No matching payment requirements found")
			}

			verification, err := server.VerifyPayment(ctx, *payload, *matching)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			if !verification.IsValid {
				return echoPaymentRequired(c, server, requirements, resourceInfo, verification.InvalidReason)
			}

			res := c.Response()
			original := res.Writer
			writer := &echoResponseWriter{
				ResponseWriter: original,
				body:           &strings.Builder{},
				statusCode:     http.StatusOK,
			}
			res.Writer = writer

			if err := next(c); err != nil {
				res.Writer = original
				res.Committed = false
				return err
			}

			paymentResponse := x402.PaymentResponse{
				Scheme:    matching.Scheme,
				Network:   matching.Network,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if id, ok := matching.Extra["id"].(string); ok {
				paymentResponse.ID = id
			}

			if !server.SettlesDeferred(*matching) {
				settlement, err := server.SettlePayment(ctx, *payload, *matching)
				if err != nil {
					res.Writer = original
					res.Committed = false
					return echoPaymentRequired(c, server, requirements, resourceInfo, err.Error())
				}
				if !settlement.Success {
					res.Writer = original
					res.Committed = false
					return echoPaymentRequired(c, server, requirements, resourceInfo, settlement.ErrorReason)
				}
				paymentResponse.Transaction = settlement.Transaction
				if paymentResponse.ID != "" {
					paymentResponse.ChargedCredits = matching.Amount
				}
			}

			responseHeader, err := encoding.EncodePaymentResponse(paymentResponse)
			if err != nil {
				res.Writer = original
				res.Committed = false
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}

			res.Writer = original
			res.Header().Set(HeaderPaymentResponse, responseHeader)
			res.Status = writer.statusCode
			original.WriteHeader(writer.statusCode)
			if _, err := original.Write([]byte(writer.body.String())); err != nil {
				return err
			}
			return nil
		}
	}
}

func echoPaymentRequired(c echo.Context, server *x402.X402ResourceServer, requirements []x402.PaymentRequirements, info x402.ResourceInfo, errorMsg string) error {
	required := server.CreatePaymentRequiredResponse(requirements, info, errorMsg, nil)

	header, err := encoding.EncodePaymentRequired(required)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set(HeaderPaymentRequired, header)
	return c.JSON(http.StatusPaymentRequired, required)
}

func echoAttachSignatureHeaders(c echo.Context, payload *x402.PaymentPayload, paymentHeader string) {
	if _, ok := payload.Extensions[webbotauth.ExtensionKey]; ok {
		return
	}

	header := c.Request().Header
	env := webbotauth.Envelope{
		SignatureAgent:         header.Get(HeaderSignatureAgent),
		SignatureInput:         header.Get(HeaderSignatureInput),
		Signature:              header.Get(HeaderSignature),
		PaymentSignatureHeader: paymentHeader,
	}
	if env.SignatureAgent == "" && env.SignatureInput == "" && env.Signature == "" {
		return
	}

	webbotauth.Attach(payload, env)
}

// echoResponseWriter buffers the handler's response until settlement decides
// whether it ships.
type echoResponseWriter struct {
	http.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *echoResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *echoResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}
