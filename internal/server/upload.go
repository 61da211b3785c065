package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/apperr"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vincent-petithory/dataurl"
)

// UploadRef points at an uploaded asset: a Coze file id from the primary
// store or a URL from the secondary one.
type UploadRef struct {
	FileID string
	URL    string
}

// UploadResult is either OK with a Ref or failed with a Diagnostic and the
// kind of failure.
type UploadResult struct {
	OK         bool
	Ref        UploadRef
	Diagnostic string
	Kind       apperr.Kind
}

func uploadFailure(kind apperr.Kind, diagnostic string) UploadResult {
	return UploadResult{Diagnostic: diagnostic, Kind: kind}
}

type inlineAsset struct {
	mimeType string
	ext      string
	data     []byte
}

// parseDataURL decodes an RFC 2397 data URL, base64 or percent-encoded.
func parseDataURL(raw string) (*inlineAsset, error) {
	if !strings.HasPrefix(raw, "data:") {
		return nil, fmt.Errorf("not a data URL")
	}
	d, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data URL: %w", err)
	}
	if d.MediaType.Subtype == "" {
		return nil, fmt.Errorf("data URL has no subtype in %q", d.MediaType.ContentType())
	}
	return &inlineAsset{mimeType: d.MediaType.ContentType(), ext: d.MediaType.Subtype, data: d.Data}, nil
}

func isInlineImage(u string) bool {
	return strings.HasPrefix(u, "data:image")
}

func newObjectName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// UploadRouter stores inline images in Coze and falls back to a generic
// object store reached by PUT.
type UploadRouter struct {
	coze       *cozeClient
	httpClient HTTPClient
	secondary  config.Upload
	newName    func() string
	logger     zerolog.Logger
}

func NewUploadRouter(coze *cozeClient, httpClient HTTPClient, secondary config.Upload, logger zerolog.Logger) *UploadRouter {
	return &UploadRouter{
		coze:       coze,
		httpClient: httpClient,
		secondary:  secondary,
		newName:    newObjectName,
		logger:     logger,
	}
}

// Upload resolves a data URL into a reference. The secondary store is only
// tried after the primary failed.
func (u *UploadRouter) Upload(ctx context.Context, token, dataURL string) UploadResult {
	asset, err := parseDataURL(dataURL)
	if err != nil {
		return uploadFailure(apperr.KindMalformedRequest, "Error: "+err.Error())
	}
	name := u.newName() + "." + asset.ext

	primary := u.coze.UploadFile(ctx, token, name, asset.data)
	if primary.Success {
		return UploadResult{OK: true, Ref: UploadRef{FileID: primary.get("data.id").String()}}
	}
	u.logger.Warn().
		Err(primary.err).
		Str("file_name", name).
		Msg("Coze file upload failed, trying secondary store")

	return u.uploadSecondary(ctx, name, asset)
}

func (u *UploadRouter) uploadSecondary(ctx context.Context, name string, asset *inlineAsset) UploadResult {
	if u.secondary.UploadURL == "" || u.secondary.AuthKey == "" {
		return uploadFailure(apperr.KindConfiguration, "Missing upload_url or auth_key for the secondary upload store")
	}

	target := strings.TrimRight(u.secondary.UploadURL, "/") + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(asset.data))
	if err != nil {
		return uploadFailure(apperr.KindUpstreamHTTP, "Error: "+err.Error())
	}
	req.Header.Set("X-API-Key", u.secondary.AuthKey)
	req.Header.Set("overwrite", "true")
	req.Header.Set("Content-Type", asset.mimeType)

	res := fetch(u.httpClient, req, nil)
	if !res.Success {
		u.logger.Error().Err(res.err).Str("url", target).Msg("Secondary upload failed")
		return uploadFailure(apperr.KindUpstreamHTTP, res.Msg)
	}
	return UploadResult{OK: true, Ref: UploadRef{URL: target}}
}
