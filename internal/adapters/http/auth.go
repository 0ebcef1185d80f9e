package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/domain"
)

const guestTokenTTL = 24 * time.Hour

// IdentityMiddleware resolves the caller's identity for the signaling
// handshake. A JWT minted by the auth collaborator wins; without one a
// cookie-session guest identity is issued so fresh clients can still
// talk to each other.
func IdentityMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}

		if token != "" {
			id, name, err := parseIdentityToken(token, secret)
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("rejected identity token")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set("identity", id)
			c.Set("display_name", name)
			c.Next()
			return
		}

		session := sessions.Default(c)
		id, _ := session.Get("identity").(string)
		if id == "" {
			id = uuid.NewString()
			session.Set("identity", id)
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("identity", id)
		c.Set("display_name", "guest")
		c.Next()
	}
}

func parseIdentityToken(token, secret string) (identity, name string, err error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", jwt.ErrTokenInvalidSubject
	}
	name, _ = claims["name"].(string)
	return sub, name, nil
}

// HandleGuestToken mints a short-lived identity token for a chosen
// display name. POST /api/auth/guest {"name": "..."}.
func HandleGuestToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}

		user, err := domain.NewGuestUser(req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		claims := jwt.MapClaims{
			"sub":  user.ID.String(),
			"name": user.Info.Name,
			"iat":  now.Unix(),
			"exp":  now.Add(guestTokenTTL).Unix(),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("token sign")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token sign failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":    signed,
			"identity": user.ID,
			"name":     user.Info.Name,
		})
	}
}
