package domain

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate checks that exactly one of the source fields is set and well formed.
func (s SourceRef) Validate() error {
	magnet := strings.TrimSpace(s.MagnetURI)
	file := strings.TrimSpace(s.TorrentFilePath)
	switch {
	case magnet == "" && file == "":
		return fmt.Errorf("%w: magnet URI or torrent file path is required", ErrInvalidSource)
	case magnet != "" && file != "":
		return fmt.Errorf("%w: magnet URI and torrent file path are mutually exclusive", ErrInvalidSource)
	case magnet != "":
		if _, err := InfoHashFromMagnet(magnet); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
	default:
		if !strings.EqualFold(filepath.Ext(file), ".torrent") {
			return fmt.Errorf("%w: %s is not a .torrent file", ErrInvalidSource, file)
		}
	}
	return nil
}

// Normalized trims whitespace so equal sources compare equal.
func (s SourceRef) Normalized() SourceRef {
	return SourceRef{
		MagnetURI:       strings.TrimSpace(s.MagnetURI),
		TorrentFilePath: strings.TrimSpace(s.TorrentFilePath),
	}
}

// InfoHashFromMagnet extracts the lower-case hex btih info hash of a magnet URI.
func InfoHashFromMagnet(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "magnet" {
		return "", fmt.Errorf("invalid magnet URI scheme")
	}
	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return "", err
	}

	for _, xt := range values["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		hash := strings.TrimSpace(xt[len("urn:btih:"):])
		if len(hash) == 40 {
			if _, err := hex.DecodeString(hash); err == nil {
				return strings.ToLower(hash), nil
			}
		}

		encoding := base32.StdEncoding.WithPadding(base32.NoPadding)
		decoded, err := encoding.DecodeString(strings.TrimRight(strings.ToUpper(hash), "="))
		if err != nil || len(decoded) != 20 {
			continue
		}
		return hex.EncodeToString(decoded), nil
	}

	return "", fmt.Errorf("btih magnet xt not present")
}
