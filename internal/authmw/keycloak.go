package authmw

import (
	"context"
	"fmt"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"github.com/rs/zerolog"
)

// Service wraps the Keycloak admin API for account registration and the
// password grant used by the login endpoint.
type Service struct {
	Client       *gocloak.GoCloak
	Realm        string
	clientID     string
	clientSecret string
	log          zerolog.Logger

	Auth *Authenticator
}

func NewService(baseURL, realm, clientID, issuer, aud, clientSecret string, log zerolog.Logger) (*Service, error) {
	client := gocloak.NewClient("http://" + baseURL)

	// the middleware authenticator
	kcAuth, err := NewKeycloakAuth(
		fmt.Sprintf(
			"http://%s/realms/%s/protocol/openid-connect/certs",
			baseURL,
			realm,
		),
		issuer,
		aud,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate the kc authenticator middleware: %w", err)
	}

	s := &Service{
		Client:       client,
		Realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		log:          log,
		Auth:         kcAuth,
	}

	if err := s.selfTest(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) selfTest() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := s.LoginAdmin(ctx)
	if err != nil {
		return fmt.Errorf("keycloak auth failed: %w", err)
	}

	// Minimal permission check
	if _, err = s.Client.GetRealm(ctx, token.AccessToken, s.Realm); err != nil {
		return fmt.Errorf("keycloak permission check failed: %w", err)
	}

	return nil
}

func (s *Service) LoginAdmin(ctx context.Context) (*gocloak.JWT, error) {
	return s.Client.LoginClient(ctx, s.clientID, s.clientSecret, s.Realm)
}

func (s *Service) LoginUser(ctx context.Context, username, password string) (*gocloak.JWT, error) {
	return s.Client.Login(ctx, s.clientID, s.clientSecret, s.Realm, username, password)
}

// Register creates an enabled account with a permanent password and, when
// group is set, places it in that group. A half-created account is removed.
func (s *Service) Register(ctx context.Context, username, email, password, group string) (string, error) {
	admin, err := s.LoginAdmin(ctx)
	if err != nil {
		return "", fmt.Errorf("admin login: %w", err)
	}

	userID, err := s.CreateUser(ctx, admin.AccessToken, username, email, password)
	if err != nil {
		return "", err
	}

	if group != "" {
		if err := s.AddUserToGroup(ctx, admin.AccessToken, userID, group); err != nil {
			s.Rollback(ctx, admin.AccessToken, userID)
			return "", err
		}
	}
	return userID, nil
}

// Rollback deletes an account created by Register when a later step fails.
func (s *Service) Rollback(ctx context.Context, token, userID string) {
	if token == "" {
		admin, err := s.LoginAdmin(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("userID", userID).Msg("rollback: admin login")
			return
		}
		token = admin.AccessToken
	}
	if err := s.Client.DeleteUser(ctx, token, s.Realm, userID); err != nil {
		s.log.Error().Err(err).Str("userID", userID).Msg("rollback: delete keycloak user")
	}
}

func (s *Service) CreateUser(ctx context.Context, token, username, email, password string) (string, error) {
	user := gocloak.User{
		Username:      gocloak.StringP(username),
		Email:         gocloak.StringP(email),
		Enabled:       gocloak.BoolP(true),
		EmailVerified: gocloak.BoolP(false),
		Credentials: &[]gocloak.CredentialRepresentation{
			{
				Type:      gocloak.StringP("password"),
				Value:     gocloak.StringP(password),
				Temporary: gocloak.BoolP(false),
			},
		},
	}

	return s.Client.CreateUser(ctx, token, s.Realm, user)
}

func (s *Service) AddUserToGroup(ctx context.Context, token, userID, groupName string) error {
	groups, err := s.Client.GetGroups(ctx, token, s.Realm, gocloak.GetGroupsParams{
		Search: gocloak.StringP(groupName),
	})
	if err != nil {
		return err
	}

	var groupID string
	for _, g := range groups {
		if g.Name != nil && *g.Name == groupName {
			groupID = *g.ID
			break
		}
	}

	if groupID == "" {
		return fmt.Errorf("group not found: %s", groupName)
	}

	return s.Client.AddUserToGroup(ctx, token, s.Realm, userID, groupID)
}
