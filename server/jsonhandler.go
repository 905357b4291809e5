package server

import (
	"encoding/json"
	"net/http"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONMarshalOptions are used for handler results that are proto messages.
var JSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
	UseProtoNames:   false,
}

// JSONHandler are regular HTTP handlers whose result is encoded as JSON, and
// whose errors are rendered as an ErrorResponse with a matching HTTP status.
type JSONHandler func(req *http.Request) (any, error)

func (fn JSONHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := fn(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ErrorResponse is the body written for failed JSON requests.
type ErrorResponse struct {
	Code     int32             `json:"code"`
	CodeName string            `json:"codeName"`
	Message  string            `json:"message"`
	Details  []json.RawMessage `json:"details"`
}

// WriteJSON encodes v with the given status. Proto messages are encoded with
// protojson.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	var b []byte
	var err error
	if pb, ok := v.(proto.Message); ok {
		b, err = JSONMarshalOptions.Marshal(pb)
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// WriteError logs err and writes it as an ErrorResponse. Internal errors are
// not described to the caller unless they carry a public message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusCode(err)
	if status >= 500 {
		logging.Errorw(r.Context(), "request failed", "error", err,
			"req.method", r.Method, "req.url", r.URL.String())
	} else {
		logging.Infow(r.Context(), "request rejected", "error", err,
			"req.method", r.Method, "req.url", r.URL.String())
	}

	c := errors.Code(err)
	resp := ErrorResponse{
		Code:     int32(c),
		CodeName: code.Code_name[int32(c)],
		Message:  publicMessage(err, c),
		Details:  []json.RawMessage{},
	}
	var werr *errors.Error
	if errors.As(err, &werr) {
		for _, d := range werr.GRPCStatus().Proto().GetDetails() {
			if b, merr := protojson.Marshal(d); merr == nil {
				resp.Details = append(resp.Details, b)
			}
		}
	}
	WriteJSON(w, status, resp)
}

func publicMessage(err error, c codes.Code) string {
	var werr *errors.Error
	if !errors.As(err, &werr) {
		if c == codes.Internal || c == codes.Unknown {
			return "internal error"
		}
		return err.Error()
	}
	msg := werr.PublicMessage()
	if msg == werr.Error() && (c == codes.Internal || c == codes.Unknown) {
		return "internal error"
	}
	return msg
}
