// Package task implements drying programs and their assignment to
// devices. The Scheduler persists an assignment window, pushes the
// start command through the device dispatcher, and tracks progress
// reported back on the task channel.
package task
