// Package middleware holds the identity middleware.
//
// pacsgate does not authenticate users itself. The gateway in front of it
// validates the session and forwards the user id in a trusted header
// (X-User-ID by default). IdentityMiddleware parses that header and stores
// the id on the request context, where the access guard and the grant
// handlers read it:
//
//	identity := middleware.NewIdentityMiddleware(cfg.Access.IdentityHeader, false)
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(identity.Handler)
//
// Requests without the header get 401 unless the middleware is optional.
package middleware
