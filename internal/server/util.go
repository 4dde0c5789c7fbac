package server

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loykin/appvisor/internal/ecosystem"
)

// sanitizeBase turns a configured base path into a gin group prefix:
// rooted, cleaned, no trailing slash, and "" for the root itself.
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	if bp = path.Clean("/" + bp); bp == "/" {
		return ""
	}
	return bp
}

// isSafeName accepts exactly the names a declaration may use, so every
// declared app and instance is addressable.
func isSafeName(s string) bool { return ecosystem.ValidName(s) }

func writeJSON(c *gin.Context, rep reply) {
	c.Header("Content-Type", "application/json")
	c.Status(rep.code)
	_ = json.NewEncoder(c.Writer).Encode(rep.body)
}
