package router

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/opentuwa/mediagate/router/middleware"
)

// assetHandler serves the entry documents and the static application files
// out of the public directory. Directories are never listed.
type assetHandler struct {
	fs http.FileSystem
}

func newAssetHandler(root string) *assetHandler {
	return &assetHandler{fs: gin.Dir(root, false)}
}

// serveEntry serves one of the two entry documents. Entry documents depend on
// the session, so they must never be cached.
func (a *assetHandler) serveEntry(c *gin.Context, document string) {
	c.Header("Cache-Control", "no-store")
	a.serveFile(c, document)
}

// serve handles anything the access policy let through that no route claimed.
// The file is looked up by the same cleaned path the policy evaluated.
func (a *assetHandler) serve(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		notFound(c)
		return
	}
	a.serveFile(c, middleware.ExtractRequestContext(c).Path)
}

func (a *assetHandler) serveFile(c *gin.Context, name string) {
	f, err := a.fs.Open(path.Clean("/" + name))
	if err != nil {
		notFound(c)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		notFound(c)
		return
	}
	http.ServeContent(c.Writer, c.Request, st.Name(), st.ModTime(), f)
}

func notFound(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.String(http.StatusNotFound, middleware.MessageNotFound)
	c.Abort()
}
