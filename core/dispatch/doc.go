// Package dispatch routes commands to handlers and events to subscribers.
//
// Every command type has exactly one handler:
//
//	d := dispatch.New(dispatch.WithCommandTimeout(5*time.Second), dispatch.WithConflictRetries(3))
//	defer d.Close()
//
//	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd Withdraw) error {
//		acc, err := accounts.GetByID(cc, cc.Target())
//		if err != nil {
//			return err
//		}
//		if err := acc.Withdraw(cmd.Amount); err != nil {
//			return err
//		}
//		return accounts.Save(cc, acc, es.WithCausation(cc))
//	})
//
//	err := d.Send(ctx, dispatch.NewCommand("acc-1", Withdraw{Amount: 30}))
//
// A Send that runs into its timeout returns ErrTimeout. The command may still
// have been applied.
//
// Events go to any number of subscribers. A failing subscriber does not
// keep the event from the others:
//
//	dispatch.SubscribeEvent(d, "notify", func(ec dispatch.EventCtx, e *Withdrawn) error { ... })
//
// EventHandler turns a Dispatcher into an es.Handler, so a Reader publishes
// every stored event with the lineage it was stored with.
package dispatch
