package service

const MaxClaimRounds = maxClaimRounds
