package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/adapters/record"
	"github.com/ringline/ringline/internal/config"
	"github.com/ringline/ringline/internal/core"
	"github.com/ringline/ringline/internal/domain"
	"github.com/ringline/ringline/internal/endpoint"
	"github.com/ringline/ringline/internal/media"
)

type guestTokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// fetchGuestToken trades a display name for a signed identity at the
// relay's guest endpoint. The HTTP base is derived from the ws URL.
func fetchGuestToken(serverURL, name string) (*guestTokenResponse, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("bad server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/auth/guest"
	u.RawQuery = ""

	body, _ := json.Marshal(map[string]string{"name": name})
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Post(u.String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("guest token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guest token request: status %s", resp.Status)
	}

	var out guestTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("guest token response: %w", err)
	}
	return &out, nil
}

// identityFromToken reads sub and name out of a pre-issued token. The
// relay verifies the signature; locally we only need the claims.
func identityFromToken(token string) (domain.Identity, string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	name, _ := claims["name"].(string)
	return domain.Identity(sub), name, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	token := cfg.Endpoint.Token
	var self domain.Identity
	var name string
	if token == "" {
		if cfg.Endpoint.Name == "" {
			log.Fatal().Msg("endpoint needs either endpoint.token or endpoint.name in config")
		}
		guest, err := fetchGuestToken(cfg.Endpoint.ServerURL, cfg.Endpoint.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("guest token")
		}
		token = guest.Token
		self = domain.Identity(guest.Identity)
		name = guest.Name
	} else {
		self, name, err = identityFromToken(token)
		if err != nil {
			log.Fatal().Err(err).Msg("token claims")
		}
	}
	log.Info().Str("identity", self.String()).Str("name", name).Msg("endpoint identity")

	var rec core.Recorder
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, call history disabled")
		} else {
			rec = record.NewRedis(rdb)
		}
		pingCancel()
	}

	client := endpoint.NewClient(cfg.Endpoint.ServerURL, token)
	acquirer, err := media.NewAcquirer()
	if err != nil {
		log.Fatal().Err(err).Msg("media codecs")
	}

	// Tracks the call the REPL verbs act on: the most recent ringing or
	// live attempt.
	var currentMu sync.Mutex
	var current domain.CallID

	machine := endpoint.NewMachine(endpoint.Options{
		Self:     self,
		Info:     domain.DisplayInfo{Name: name},
		Signaler: client,
		Media: endpoint.MediaSourceFunc(func(ctx context.Context, wantsVideo bool) (endpoint.MediaHandle, error) {
			h, err := acquirer.Acquire(ctx, wantsVideo)
			if h == nil {
				return nil, err
			}
			return h, err
		}),
		Peers:    endpoint.NewPeerFactory(endpoint.WebRTCConfig(cfg.ICEServers)),
		Recorder: rec,
		OnChange: func(id domain.CallID, status domain.CallStatus) {
			currentMu.Lock()
			if status.Terminal() {
				if current == id {
					current = ""
				}
			} else {
				current = id
			}
			currentMu.Unlock()
			fmt.Printf("call %s: %s\n", id, status)
		},
		OnRoster: func(identities []domain.Identity) {
			names := make([]string, 0, len(identities))
			for _, id := range identities {
				names = append(names, id.String())
			}
			fmt.Printf("online: %s\n", strings.Join(names, ", "))
		},
	})
	client.Bind(machine.Dispatch)

	if err := client.Dial(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect to relay")
	}
	defer client.Close()

	go repl(ctx, cancel, machine, &currentMu, &current)

	<-ctx.Done()
	for _, id := range machine.Active() {
		machine.EndCall(id)
	}
	log.Info().Msg("endpoint exited")
}

func repl(ctx context.Context, cancel context.CancelFunc, m *endpoint.Machine, mu *sync.Mutex, current *domain.CallID) {
	fmt.Println("commands: call <identity> [audio|video] | accept | reject | end | mute | camera | calls | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		mu.Lock()
		active := *current
		mu.Unlock()

		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <identity> [audio|video]")
				continue
			}
			kind := domain.MediaVideo
			if len(fields) > 2 && fields[2] == "audio" {
				kind = domain.MediaAudio
			}
			id, err := m.InitiateCall(ctx, domain.Identity(fields[1]), kind)
			if err != nil {
				fmt.Println("call:", err)
				continue
			}
			fmt.Println("calling", fields[1], "as", id)
		case "accept":
			if err := m.AcceptCall(ctx, active); err != nil {
				fmt.Println("accept:", err)
			}
		case "reject":
			if err := m.RejectCall(active, "declined"); err != nil {
				fmt.Println("reject:", err)
			}
		case "end":
			m.EndCall(active)
		case "mute":
			on, err := m.ToggleTrack(active, domain.MediaAudio, nil)
			if err != nil {
				fmt.Println("mute:", err)
				continue
			}
			fmt.Println("microphone enabled:", on)
		case "camera":
			on, err := m.ToggleTrack(active, domain.MediaVideo, nil)
			if err != nil {
				fmt.Println("camera:", err)
				continue
			}
			fmt.Println("camera enabled:", on)
		case "calls":
			for _, id := range m.Active() {
				status, _ := m.Status(id)
				fmt.Printf("  %s  %s\n", id, status)
			}
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
