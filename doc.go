// Package linkup implements the peer discovery and real-time sync core
// of a serverless social client. Independent instances, each holding
// only local state, present a shared view of who is online, exchange
// direct messages and typing indicators, and propagate feed posts,
// all without a dedicated backend.
//
// Discovery runs through a shared registry document that every peer
// republishes itself into on a fixed pulse; direct traffic runs over
// point-to-point links addressed by an identifier derived from the
// account id alone. Consistency is deliberately loose: the registry is
// last-write-wins and link delivery is at-most-once.
//
// # Getting Started
//
// Create a session client, register callbacks, and log in:
//
//	opts := linkup.NewOptions()
//	opts.Config.RegistryURL = "https://docs.example.com/registry"
//	opts.Config.FeedURL = "https://docs.example.com/feed"
//	opts.Config.RelayURL = "wss://relay.example.com/ws"
//
//	client, err := linkup.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnMessage(func(chatID string, msg types.Message) {
//	    fmt.Printf("[%s] %s: %s\n", chatID, msg.SenderID, msg.Text)
//	})
//
//	user, err := client.Login(ctx, "ana@example.com", "hunter2")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Logout()
//
//	for _, candidate := range client.Discover(ctx) {
//	    fmt.Println(candidate.Name, candidate.Age)
//	}
package linkup
