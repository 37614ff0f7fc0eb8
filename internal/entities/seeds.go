package entities

import "github.com/tokenflow/analytics-engine/pkg/models"

// builtinSeeds is the shipped known-program table: major DEX routers
// and AMMs, token bridges, and lending markets, all low risk. This is
// configuration, not behavior; ops append rows through the admin
// surface and they take precedence at bootstrap.
func builtinSeeds() []models.Entity {
	mk := func(address, kind, name string) models.Entity {
		return models.Entity{
			Address:    address,
			EntityKind: kind,
			Name:       name,
			RiskLevel:  models.RiskLevelLow,
		}
	}
	return []models.Entity{
		// DEX / AMM programs
		mk("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", models.EntityKindDEX, "Raydium AMM v4"),
		mk("CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK", models.EntityKindDEX, "Raydium CLMM"),
		mk("whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc", models.EntityKindDEX, "Orca Whirlpool"),
		mk("9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP", models.EntityKindDEX, "Orca Token Swap v2"),
		mk("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", models.EntityKindDEX, "Serum DEX v3"),
		mk("srmqPvymJeFKQ4zGQed1GFppgkRHL9kaELCbyksJtPX", models.EntityKindDEX, "OpenBook"),
		mk("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", models.EntityKindDEX, "Jupiter v6"),
		mk("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo", models.EntityKindDEX, "Meteora DLMM"),
		mk("PhoeNiXZ8ByJGLkxNfZRnkUfjvmuYqLR89jjFHGqdXY", models.EntityKindDEX, "Phoenix"),
		mk("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P", models.EntityKindDEX, "Pump.fun"),

		// Bridges
		mk("wormDTUJ6AWPNvk59vGQbDvGJmqbDTdgWgAqcLBCgUb", models.EntityKindBridge, "Wormhole Token Bridge"),
		mk("worm2ZoG2kUd4vFXhvjh93UUH596ayRfgQ2MgjNMTth", models.EntityKindBridge, "Wormhole Core"),
		mk("BrdgN2RPzEMWF96ZbnnJaUtQDQx7VRXYaHHbYCBvceWB", models.EntityKindBridge, "Allbridge"),
		mk("DEbrdGj3HsRsAzx6uH4MKyREKxVAfBydijLUF3ygsFfh", models.EntityKindBridge, "deBridge"),

		// Lending markets
		mk("So1endDq2YkqhipRh3WViPa8hdiSpxWy6z3Z6tMCpAo", models.EntityKindLending, "Solend"),
		mk("MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA", models.EntityKindLending, "MarginFi v2"),
		mk("KLend2g3cP87fffoy8q1mQqGKjrxjC8boSyAYavgmjD", models.EntityKindLending, "Kamino Lend"),
		mk("4MangoMjqJ2firMokCjjGgoK8d4MXcrgL7XJaL3w6fVg", models.EntityKindLending, "Mango v4"),
	}
}
