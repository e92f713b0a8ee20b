/*
Package adapter defines the external channel adapter contract and the
registry that manages adapter lifecycles.

An Adapter bridges the bus to one external channel (webhooks, Telegram,
local tools). The registry starts and stops adapters, picks the adapter
whose subject prefix matches an outbound envelope, and reports per
adapter status. Delivery failures surface in the DeliveryResult; whether
a failed delivery dead-letters the envelope is the caller's decision.

ConfigWatcher watches a JSON config file describing the desired adapter
set and reconciles the registry on change: new definitions start,
removed definitions stop, and a material change to an existing
definition restarts its adapter with the new config. Adapter types are
wired statically through a Factory map; there is no runtime plugin
loading.
*/
package adapter
