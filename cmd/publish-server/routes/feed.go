package routes

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/freighter-dev/freighter/internal/packages"
	"github.com/gin-gonic/gin"
)

// FeedRoutes sets up the read-side feed endpoints
func FeedRoutes(api *gin.RouterGroup, packageService *packages.Service) {
	api.GET("/v3/index.json", handleServiceIndex())
	api.GET("/v3-flatcontainer/:id/index.json", handlePackageVersions(packageService))
	api.GET("/v3-flatcontainer/:id/:version/:filename", handleDownload(packageService))
}

func handleServiceIndex() gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme := c.Request.Header.Get("X-Forwarded-Proto")
		if scheme == "" {
			if c.Request.TLS != nil {
				scheme = "https"
			} else {
				scheme = "http"
			}
		}
		baseURL := fmt.Sprintf("%s://%s", scheme, c.Request.Host)

		c.JSON(http.StatusOK, gin.H{
			"version": "3.0.0",
			"resources": []gin.H{
				{
					"@id":     baseURL + "/v3-flatcontainer/",
					"@type":   "PackageBaseAddress/3.0.0",
					"comment": "Base URL of where packages are stored",
				},
				{
					"@id":     baseURL + "/api/v2/package",
					"@type":   "PackagePublish/2.0.0",
					"comment": "Package publish endpoint",
				},
			},
		})
	}
}

func handlePackageVersions(packageService *packages.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		packageID := c.Param("id")
		if packageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "package ID required"})
			return
		}

		versions, err := packageService.Versions(c.Request.Context(), packageID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list versions"})
			return
		}
		if len(versions) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"versions": versions})
	}
}

func handleDownload(packageService *packages.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		packageID := c.Param("id")
		version := c.Param("version")
		filename := c.Param("filename")

		if packageID == "" || version == "" || filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "package ID, version, and filename required"})
			return
		}

		pkg, content, err := packageService.Download(c.Request.Context(), packageID, version)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
			return
		}
		defer content.Close()

		c.Header("Content-Type", "application/zip")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
		if pkg.Size > 0 {
			c.Header("Content-Length", strconv.FormatInt(pkg.Size, 10))
		}

		if _, err := io.Copy(c.Writer, content); err != nil {
			// Headers are already out; all we can do is drop the connection
			c.AbortWithStatus(http.StatusInternalServerError)
		}
	}
}
