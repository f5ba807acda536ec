package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"retouch/internal/adapter/repo"
	"retouch/internal/editbuffer"
	"retouch/internal/imagine"
	"retouch/internal/infra"
	"retouch/internal/middleware"
)

// App wires the provider registry, the edit buffer and the optional audit
// repository into the HTTP surface. It is the thin boundary the host editor
// talks to; validation here is limited to request shape, everything else is
// the core's job.
type App struct {
	Providers       *imagine.Registry
	Buffer          *editbuffer.Store
	Audit           *repo.EditRepository
	Logger          infra.Logger
	DefaultProvider string
	DefaultFormat   string
}

func NewApp(providers *imagine.Registry, buffer *editbuffer.Store, audit *repo.EditRepository, logger infra.Logger, defaultProvider, defaultFormat string) *App {
	return &App{
		Providers:       providers,
		Buffer:          buffer,
		Audit:           audit,
		Logger:          logger,
		DefaultProvider: defaultProvider,
		DefaultFormat:   defaultFormat,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

// categoryMessages are the generic per-kind texts shown to end users when the
// upstream API offered nothing better. Raw internals are never surfaced.
var categoryMessages = map[imagine.Kind]map[string]string{
	imagine.KindConfiguration: {
		"en": "The image service is not configured correctly. Please contact an administrator.",
		"id": "Layanan gambar belum dikonfigurasi dengan benar. Silakan hubungi administrator.",
	},
	imagine.KindInvalidInput: {
		"en": "The request could not be processed. Please adjust it and try again.",
		"id": "Permintaan tidak dapat diproses. Silakan perbaiki lalu coba lagi.",
	},
	imagine.KindUnsupportedCapability: {
		"en": "The selected model does not support this combination of inputs.",
		"id": "Model yang dipilih tidak mendukung kombinasi masukan ini.",
	},
	imagine.KindNetwork: {
		"en": "The image service could not be reached. Please try again.",
		"id": "Layanan gambar tidak dapat dihubungi. Silakan coba lagi.",
	},
	imagine.KindTimeout: {
		"en": "The image took too long to generate. Please try again.",
		"id": "Pembuatan gambar terlalu lama. Silakan coba lagi.",
	},
	imagine.KindInvalidResponse: {
		"en": "The image service returned an unexpected response.",
		"id": "Layanan gambar mengembalikan respons yang tidak terduga.",
	},
	imagine.KindNoImageReturned: {
		"en": "The model finished without returning an image. Please try again.",
		"id": "Model selesai tanpa mengembalikan gambar. Silakan coba lagi.",
	},
	imagine.KindMissingOutputURL: {
		"en": "The model finished without returning an image. Please try again.",
		"id": "Model selesai tanpa mengembalikan gambar. Silakan coba lagi.",
	},
	imagine.KindConversionFailed: {
		"en": "The generated image could not be converted.",
		"id": "Gambar yang dihasilkan tidak dapat dikonversi.",
	},
	imagine.KindBufferExpired: {
		"en": "The previous edit has expired. Please redo it and try again.",
		"id": "Hasil edit sebelumnya sudah kedaluwarsa. Silakan ulangi lalu coba lagi.",
	},
}

var kindStatus = map[imagine.Kind]int{
	imagine.KindConfiguration:         http.StatusInternalServerError,
	imagine.KindInvalidInput:          http.StatusUnprocessableEntity,
	imagine.KindUnsupportedCapability: http.StatusUnprocessableEntity,
	imagine.KindNetwork:               http.StatusBadGateway,
	imagine.KindTimeout:               http.StatusGatewayTimeout,
	imagine.KindProviderError:         http.StatusBadGateway,
	imagine.KindInvalidResponse:       http.StatusBadGateway,
	imagine.KindNoImageReturned:       http.StatusBadGateway,
	imagine.KindMissingOutputURL:      http.StatusBadGateway,
	imagine.KindConversionFailed:      http.StatusInternalServerError,
	imagine.KindBufferExpired:         http.StatusGone,
}

// coreError maps a typed core error onto a transport response. ProviderError
// forwards the upstream message verbatim since it usually carries actionable
// detail (quota, content policy, invalid model); every other kind gets its
// localized category message.
func (a *App) coreError(w http.ResponseWriter, r *http.Request, err error) {
	kind := imagine.KindOf(err)
	a.Logger.Error().Err(err).Str("kind", string(kind)).Msg("image operation failed")

	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	locale := middleware.LocaleFromContext(r.Context())

	if kind == imagine.KindProviderError {
		var coreErr *imagine.Error
		if errors.As(err, &coreErr) && coreErr.Message != "" {
			a.error(w, status, string(kind), coreErr.Message)
			return
		}
	}
	messages, ok := categoryMessages[kind]
	if !ok {
		messages = categoryMessages[imagine.KindInvalidResponse]
	}
	message := messages[locale]
	if message == "" {
		message = messages["en"]
	}
	a.error(w, status, string(kind), message)
}

// currentUserID trusts the identity header set by the host platform; access
// control happens upstream.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
