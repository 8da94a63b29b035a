package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	whttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
)

// SignatureHeader carries the HMAC-SHA256 of the body keyed by the
// subscription secret.
const SignatureHeader = "X-Hookrelay-Signature"

// routingExtensions steer delivery and never leave the process as headers.
var routingExtensions = []string{ce.ExtCallbackURL, ce.ExtSecret, ce.ExtTopic}

// PublisherFactory allows overriding the HTTP publisher creation for testing.
var PublisherFactory = func(config whttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return whttp.NewPublisher(config, logger)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type statusKey struct{}

// statusRecord captures the last response status seen for one POST.
type statusRecord struct {
	code atomic.Int32
}

// statusTransport records response codes into the statusRecord found in
// the request context.
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil {
		if rec, ok := req.Context().Value(statusKey{}).(*statusRecord); ok {
			rec.code.Store(int32(resp.StatusCode))
		}
	}
	return resp, err
}

// sender POSTs HTTP-binding messages through the watermill HTTP publisher.
type sender struct {
	pub message.Publisher
}

func newSender(client *http.Client, logger watermill.LoggerAdapter) (*sender, error) {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *client
	wrapped.Transport = statusTransport{next: base}

	pub, err := PublisherFactory(whttp.PublisherConfig{
		MarshalMessageFunc:                marshalRequest,
		Client:                            &wrapped,
		DoNotLogResponseBodyOnServerError: true,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &sender{pub: pub}, nil
}

// marshalRequest builds the POST for msg; the topic is the callback URL.
func marshalRequest(url string, msg *message.Message) (*http.Request, error) {
	req, err := http.NewRequestWithContext(msg.Context(), http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	for key, value := range msg.Metadata {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", ce.ContentTypeJSON)
	return req, nil
}

// request encodes env as the HTTP message delivered to callbackURL.
func request(env ce.Envelope, secret string) (*message.Message, error) {
	out := env.Clone()
	for _, name := range routingExtensions {
		delete(out.Extensions, name)
	}
	if out.DataContentType == "" {
		out.DataContentType = ce.ContentTypeJSON
	}

	msg, err := codec.Encode(out, codec.HTTPBinding)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		msg.Metadata.Set(SignatureHeader, Sign(secret, msg.Payload))
	}
	return msg, nil
}

// post performs one attempt and classifies the outcome.
func (s *sender) post(ctx context.Context, callbackURL string, msg *message.Message) error {
	rec := &statusRecord{}
	msg.SetContext(context.WithValue(ctx, statusKey{}, rec))

	err := s.pub.Publish(callbackURL, msg)
	status := int(rec.code.Load())
	if status == 0 {
		if err != nil {
			return &DeliveryError{Err: err}
		}
		return nil
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return &DeliveryError{StatusCode: status, Err: err}
	}
	return nil
}

func (s *sender) close() error {
	return s.pub.Close()
}
