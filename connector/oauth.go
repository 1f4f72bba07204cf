package connector

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"github.com/SaintWyss/ragcore/model"
)

// TokenExchanger trades a stored refresh token for a fresh access token.
type TokenExchanger interface {
	AccessToken(ctx context.Context, refreshToken string) (string, error)
}

// OAuthExchanger implements TokenExchanger over an oauth2 endpoint.
type OAuthExchanger struct {
	config *oauth2.Config
}

func NewOAuthExchanger(clientID, clientSecret, tokenURL string, scopes []string) *OAuthExchanger {
	return &OAuthExchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		},
	}
}

// ExchangeCode trades an authorization code from the OAuth callback for the
// provider tokens. The returned refresh token is what gets sealed and
// stored; tokens never enter errors.
func (e *OAuthExchanger) ExchangeCode(ctx context.Context, code string) (refreshToken, email string, err error) {
	token, err := e.config.Exchange(ctx, code)
	if err != nil {
		return "", "", model.Unavailable("OAuthService", errors.New("authorization code rejected"))
	}
	if token.RefreshToken == "" {
		return "", "", model.E(model.CodeValidation, "provider returned no refresh token")
	}
	email, _ = token.Extra("email").(string)
	return token.RefreshToken, email, nil
}

// AccessToken refreshes. Failures surface as unavailability of the OAuth
// service; the refresh token itself never enters the error.
func (e *OAuthExchanger) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	src := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return "", model.Unavailable("OAuthService", errors.New("token refresh rejected"))
	}
	return token.AccessToken, nil
}
