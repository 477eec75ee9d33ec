// Package agent contains the workflow dispatchers that react to protocol
// events. The translator agent owns the init/translate/text2speech chain and
// can either synthesize speech locally or delegate the last step to a paid
// third-party agent; the speech agent serves single-step text2speech tasks.
package agent
