package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/extensions/webbotauth"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description     string
	MimeType        string
	Resource        string
	ResourceRootURL string
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription is an option for the PaymentMiddleware to set the resource description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType is an option for the PaymentMiddleware to set the mime type.
func WithMimeType(mimeType string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithResource is an option for the PaymentMiddleware to set the resource URL explicitly.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL is an option for the PaymentMiddleware to set the root
// URL the request path is appended to.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// PaymentMiddleware is the gin middleware for resource servers. Unpaid
// requests are answered with 402 and a PAYMENT-REQUIRED offer; paid requests
// are verified, served, settled (unless the scheme settles deferred) and
// stamped with a PAYMENT-RESPONSE header.
//
// The server must have been Initialize()d so facilitator support is known.
func PaymentMiddleware(server *x402.X402ResourceServer, config x402.ResourceConfig, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var resource string
		if options.Resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
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
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		paymentHeader := c.GetHeader(HeaderPaymentSignature)
		if paymentHeader == "" {
			respondPaymentRequired(c, server, requirements, resourceInfo, "")
			return
		}

		payload, err := ValidateAndDecodePaymentHeader(paymentHeader)
		if err != nil {
			if errors.Is(err, ErrHeaderTooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestHeaderFieldsTooLarge, gin.H{
					"error": HeaderPaymentSignature + " header exceeds size limit",
				})
				return
			}
			respondPaymentRequired(c, server, requirements, resourceInfo, err.Error())
			return
		}

		// The credit scheme signs the header bytes themselves; carry them,
		// untouched, to the facilitator inside the payload extensions.
		attachSignatureHeaders(c, payload, paymentHeader)

		matching := server.FindMatchingRequirements(requirements, *payload)
		if matching == nil {
			respondPaymentRequired(c, server, requirements, resourceInfo, "No matching payment requirements found")
			return
		}

		verification, err := server.VerifyPayment(ctx, *payload, *matching)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !verification.IsValid {
			respondPaymentRequired(c, server, requirements, resourceInfo, verification.InvalidReason)
			return
		}

		// Capture the response so settlement failures can still replace it.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		if c.IsAborted() {
			c.Writer = writer.ResponseWriter
			c.Writer.WriteHeader(writer.statusCode)
			c.Writer.Write([]byte(writer.body.String()))
			return
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
				c.Writer = writer.ResponseWriter
				respondPaymentRequired(c, server, requirements, resourceInfo, err.Error())
				return
			}
			if !settlement.Success {
				c.Writer = writer.ResponseWriter
				respondPaymentRequired(c, server, requirements, resourceInfo, settlement.ErrorReason)
				return
			}
			paymentResponse.Transaction = settlement.Transaction
			if paymentResponse.ID != "" {
				paymentResponse.ChargedCredits = matching.Amount
			}
		}

		responseHeader, err := encoding.EncodePaymentResponse(paymentResponse)
		if err != nil {
			c.Writer = writer.ResponseWriter
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Write the original response with the settlement header
		c.Header(HeaderPaymentResponse, responseHeader)
		c.Writer = writer.ResponseWriter
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(writer.body.String()))
	}
}

// respondPaymentRequired aborts with 402, the PAYMENT-REQUIRED offer header
// and a JSON copy of the offer for non-protocol clients.
func respondPaymentRequired(c *gin.Context, server *x402.X402ResourceServer, requirements []x402.PaymentRequirements, info x402.ResourceInfo, errorMsg string) {
	required := server.CreatePaymentRequiredResponse(requirements, info, errorMsg, nil)

	header, err := encoding.EncodePaymentRequired(required)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header(HeaderPaymentRequired, header)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, required)
}

// attachSignatureHeaders copies the detached signature headers, when any are
// present, into the payload's web-bot-auth extension together with the exact
// PAYMENT-SIGNATURE bytes they cover. An envelope the client embedded itself
// takes precedence over the transport headers.
func attachSignatureHeaders(c *gin.Context, payload *x402.PaymentPayload, paymentHeader string) {
	if _, ok := payload.Extensions[webbotauth.ExtensionKey]; ok {
		return
	}

	env := webbotauth.Envelope{
		SignatureAgent:         c.GetHeader(HeaderSignatureAgent),
		SignatureInput:         c.GetHeader(HeaderSignatureInput),
		Signature:              c.GetHeader(HeaderSignature),
		PaymentSignatureHeader: paymentHeader,
	}
	if env.SignatureAgent == "" && env.SignatureInput == "" && env.Signature == "" {
		return
	}

	webbotauth.Attach(payload, env)
}

// responseWriter is a custom response writer that captures the response
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}
