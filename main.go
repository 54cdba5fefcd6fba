package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/helpdeskd/mailsync-infra/internal/auth"
	"github.com/helpdeskd/mailsync-infra/internal/compose"
	"github.com/helpdeskd/mailsync-infra/internal/events"
	"github.com/helpdeskd/mailsync-infra/internal/importer"
	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
	"github.com/helpdeskd/mailsync-infra/internal/providers/gmail"
	"github.com/helpdeskd/mailsync-infra/internal/providers/outlook"
	"github.com/helpdeskd/mailsync-infra/internal/store"
	syncpkg "github.com/helpdeskd/mailsync-infra/internal/sync"
)

type connectRequest struct {
	Code string `json:"code" binding:"required"`
}

type importRequest struct {
	Cursor     string `json:"cursor"`
	MaxThreads int    `json:"max_threads"`
}

type importRecentRequest struct {
	Count int64 `json:"count"`
}

type attachmentRef struct {
	Filename     string `json:"filename" binding:"required"`
	MimeType     string `json:"mime_type"`
	MessageID    string `json:"message_id" binding:"required"`
	AttachmentID string `json:"attachment_id" binding:"required"`
}

type replyRequest struct {
	To          []string        `json:"to" binding:"required"`
	Cc          []string        `json:"cc"`
	Bcc         []string        `json:"bcc"`
	Subject     string          `json:"subject" binding:"required"`
	BodyHTML    string          `json:"body_html" binding:"required"`
	InReplyTo   string          `json:"in_reply_to"`
	References  []string        `json:"references"`
	Attachments []attachmentRef `json:"attachments"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	if err := os.MkdirAll("data", 0755); err != nil {
		log.Fatal(err)
	}

	credDB, err := sql.Open("sqlite3", envOr("CREDENTIALS_DB_PATH", "data/credentials.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer credDB.Close()

	credStore, err := auth.NewCredentialStore(credDB)
	if err != nil {
		log.Fatal(err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
		Scopes: []string{
			gmailapi.GmailReadonlyScope,
			gmailapi.GmailSendScope,
		},
		Endpoint: google.Endpoint,
	}
	tokens := auth.NewTokenStore(credStore, oauthCfg)

	st, err := store.Open(envOr("SERVICE_DB_PATH", "data/mailsync.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	clientFor := func(ownerID string) (mailbox.Client, error) {
		if envOr("MAIL_PROVIDER", "gmail") == "outlook" {
			return outlook.New(tokens, ownerID, ownerID), nil
		}
		return gmail.New(tokens, ownerID), nil
	}

	im := importer.New(st)
	orch := syncpkg.NewOrchestrator(st, im, clientFor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		publisher, err := events.NewPublisher(natsURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}
		go orch.RunDispatcher(ctx, publisher)
	} else {
		log.Printf("NATS_URL not set, events stay queued in the outbox")
	}

	verifier, err := auth.NewJWTVerifier(os.Getenv("JWKS_URL"))
	if err != nil {
		log.Fatal(err)
	}

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/mailbox/connect", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user := currentUser(c)
		if _, err := tokens.ExchangeCode(c.Request.Context(), user.ID, req.Code); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "connected"})
	})

	authorized.POST("/sync/import", func(c *gin.Context) {
		var req importRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.MaxThreads <= 0 {
			req.MaxThreads = 50
		}

		user := currentUser(c)
		result, err := orch.ImportBatch(c.Request.Context(), profileOf(user), req.Cursor, req.MaxThreads)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authorized.POST("/sync/import-recent", func(c *gin.Context) {
		var req importRecentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Count <= 0 {
			req.Count = 10
		}

		user := currentUser(c)
		result, err := orch.ImportRecent(c.Request.Context(), profileOf(user), req.Count)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authorized.POST("/tickets/:id/reply", func(c *gin.Context) {
		var req replyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user := currentUser(c)
		client, err := clientFor(user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		env := &compose.Envelope{
			FromAddress:         user.Email,
			ToAddresses:         req.To,
			CcAddresses:         req.Cc,
			BccAddresses:        req.Bcc,
			Subject:             req.Subject,
			HTMLBody:            req.BodyHTML,
			InReplyToMessageID:  req.InReplyTo,
			ReferenceMessageIDs: req.References,
		}

		attachments := make([]compose.AttachmentSource, 0, len(req.Attachments))
		for _, ref := range req.Attachments {
			ref := ref
			attachments = append(attachments, compose.AttachmentSource{
				Filename: ref.Filename,
				MimeType: ref.MimeType,
				Fetch: func(ctx context.Context) ([]byte, error) {
					return client.GetAttachment(ctx, ref.MessageID, ref.AttachmentID)
				},
			})
		}

		sentID, err := orch.SendReply(c.Request.Context(), profileOf(user), c.Param("id"), env, attachments)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": sentID})
	})

	log.Fatal(r.Run(envOr("LISTEN_ADDR", ":8080")))
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if user.OrgID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "token missing org"})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet("user").(*auth.User)
}

func profileOf(u *auth.User) importer.Profile {
	return importer.Profile{OwnerID: u.ID, OrgID: u.OrgID}
}

func statusFor(err error) int {
	var malformed *compose.MalformedEnvelopeError
	switch {
	case errors.Is(err, mailbox.ErrCredentialRevoked):
		return http.StatusUnauthorized
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
