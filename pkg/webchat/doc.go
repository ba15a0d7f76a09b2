// Package webchat is the web host of the builder.
//
// Each builder session lives in a Builder: the streaming session, its preview
// renderer and a connection pool of websocket clients. Session and preview
// events are encoded as Frames, published on the session's topic of the frame
// bus and relayed to the pool. The same package serves the account, chat
// history, model table and generation routes, plus the embedded static UI.
package webchat
