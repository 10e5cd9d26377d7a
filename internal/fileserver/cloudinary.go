package fileserver

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinarySink uploads attachments to Cloudinary; the reference is the secure URL.
type CloudinarySink struct {
	cld    *cloudinary.Cloudinary
	folder string
}

func NewCloudinarySink(cloudName, apiKey, apiSecret, folder string) (*CloudinarySink, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	return &CloudinarySink{cld: cld, folder: folder}, nil
}

func (s *CloudinarySink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	resourceType := "auto"
	if !isImageExt(strings.ToLower(filepath.Ext(name))) {
		// Non-images keep their bytes and extension untouched.
		resourceType = "raw"
	}
	publicID := name
	if resourceType != "raw" {
		publicID = strings.TrimSuffix(name, filepath.Ext(name))
	}
	resp, err := s.cld.Upload.Upload(ctx, body, uploader.UploadParams{
		PublicID:     publicID,
		Folder:       s.folder,
		ResourceType: resourceType,
	})
	if err != nil {
		return "", fmt.Errorf("cloudinary upload: %w", err)
	}
	if resp.Error.Message != "" {
		return "", fmt.Errorf("cloudinary upload: %s", resp.Error.Message)
	}
	return resp.SecureURL, nil
}
