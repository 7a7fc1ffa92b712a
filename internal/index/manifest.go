package index

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Manifest is the XML manifest carried inside a package archive.
type Manifest struct {
	XMLName  xml.Name         `xml:"package"`
	Metadata ManifestMetadata `xml:"metadata"`
}

// ManifestMetadata is the metadata section of a package manifest
type ManifestMetadata struct {
	ID          string `xml:"id"`
	Version     string `xml:"version"`
	Title       string `xml:"title,omitempty"`
	Authors     string `xml:"authors"`
	Owners      string `xml:"owners,omitempty"`
	Description string `xml:"description"`
	Summary     string `xml:"summary,omitempty"`
	ProjectURL  string `xml:"projectUrl,omitempty"`
	LicenseURL  string `xml:"licenseUrl,omitempty"`
	Tags        string `xml:"tags,omitempty"`
	Repository  *struct {
		Type string `xml:"type,attr,omitempty"`
		URL  string `xml:"url,attr,omitempty"`
	} `xml:"repository,omitempty"`
}

var packageIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9._]*$`)

// ValidPackageID reports whether name is an acceptable package identifier
func ValidPackageID(name string) bool {
	return packageIDPattern.MatchString(name)
}

// extractManifest opens the package archive and decodes the first .nuspec
// manifest it contains. The archive is a zip; readerAt must cover the
// whole upload.
func extractManifest(readerAt io.ReaderAt, size int64) (*Manifest, error) {
	zipReader, err := zip.NewReader(readerAt, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open package archive: %w", err)
	}

	for _, file := range zipReader.File {
		if !strings.HasSuffix(file.Name, ".nuspec") {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", err)
		}
		defer rc.Close()

		manifestBytes, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}

		var manifest Manifest
		if err := xml.Unmarshal(manifestBytes, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse manifest XML: %w", err)
		}

		return &manifest, nil
	}

	return nil, fmt.Errorf("manifest not found in package")
}

// ToMetadata flattens the manifest into the metadata map stored alongside
// a package row.
func (m *Manifest) ToMetadata() map[string]interface{} {
	metadata := map[string]interface{}{}

	if m.Metadata.Description != "" {
		metadata["description"] = m.Metadata.Description
	}
	if m.Metadata.Summary != "" {
		metadata["summary"] = m.Metadata.Summary
	}
	if m.Metadata.Authors != "" {
		metadata["authors"] = strings.Split(m.Metadata.Authors, ",")
	}
	if m.Metadata.Owners != "" {
		metadata["owners"] = strings.Split(m.Metadata.Owners, ",")
	}
	if m.Metadata.Tags != "" {
		metadata["tags"] = strings.Split(m.Metadata.Tags, " ")
	}
	if m.Metadata.ProjectURL != "" {
		metadata["projectUrl"] = m.Metadata.ProjectURL
	}
	if m.Metadata.LicenseURL != "" {
		metadata["licenseUrl"] = m.Metadata.LicenseURL
	}
	if m.Metadata.Repository != nil && m.Metadata.Repository.URL != "" {
		metadata["repository"] = m.Metadata.Repository.URL
	}

	return metadata
}
