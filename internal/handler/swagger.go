package handler

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed swagger.json
var swaggerSpec []byte

// SetupSwagger serves the embedded OpenAPI document and a Swagger UI page
// that loads it.
func SetupSwagger(router *gin.Engine) {
	router.GET("/swagger/*any", func(c *gin.Context) {
		switch c.Param("any") {
		case "/doc.json", "/swagger.json":
			c.Data(http.StatusOK, "application/json", swaggerSpec)
		case "/", "/index.html":
			c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(swaggerUIHTML))
		default:
			c.Redirect(http.StatusFound, "/swagger/")
		}
	})
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Virtual POS Engine - API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: '/swagger/doc.json',
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      deepLinking: true
    });
  </script>
</body>
</html>`
